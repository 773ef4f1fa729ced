package main

// General API documentation for swaggo. Run `swag init -g cmd/oxided/docs.go -o internal/apidocs` to regenerate.
//
// @title           oxidelab API
// @version         1.0
// @description     HTTP API for GGUF model management and local inference.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
