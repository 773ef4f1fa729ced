// Package apidocs registers the OpenAPI document served by the swagger UI.
// Regenerate with `swag init -g cmd/oxided/docs.go -o internal/apidocs`.
package apidocs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {"get": {"summary": "List downloaded models", "produces": ["application/json"],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}}},
        "/models/status": {"get": {"summary": "Download status of one identity", "produces": ["application/json"],
            "parameters": [
                {"type": "string", "name": "repository", "in": "query", "required": true},
                {"type": "string", "name": "file_name", "in": "query", "required": true}],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelStatusResponse"}},
                "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}},
        "/models/download": {"post": {"summary": "Download a model, streaming NDJSON progress", "consumes": ["application/json"], "produces": ["application/x-ndjson"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.DownloadRequest"}}],
            "responses": {"200": {"description": "Progress lines", "schema": {"$ref": "#/definitions/types.ProgressEvent"}},
                "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}},
        "/models/delete": {"post": {"summary": "Delete a downloaded model", "consumes": ["application/json"], "produces": ["application/json"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.IdentityRequest"}}],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DeleteResponse"}},
                "429": {"description": "Model is loaded", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}},
        "/cache/sync": {"post": {"summary": "Reconcile the index with the models directory", "produces": ["application/json"],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SyncResponse"}}}}},
        "/session/load": {"post": {"summary": "Load a model", "consumes": ["application/json"], "produces": ["application/json"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SessionStatus"}},
                "404": {"description": "Missing artifact", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                "422": {"description": "Bad model format", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                "507": {"description": "Over memory budget", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}},
        "/session/switch": {"post": {"summary": "Release the resident model and load another", "consumes": ["application/json"], "produces": ["application/json"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SessionStatus"}}}}},
        "/session/unload": {"post": {"summary": "Unload the resident model", "produces": ["application/json"],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SessionStatus"}}}}},
        "/generate": {"post": {"summary": "Generate text", "consumes": ["application/json"], "produces": ["application/json", "application/x-ndjson"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}],
            "responses": {"200": {"description": "Result, or token lines then a done line when streaming", "schema": {"$ref": "#/definitions/types.GenerationResult"}},
                "409": {"description": "No model loaded", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                "429": {"description": "Session busy", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}},
        "/generate/cancel": {"post": {"summary": "Cancel the running generation", "responses": {"204": {"description": "No Content"}}}},
        "/events": {"get": {"summary": "Stream session lifecycle events", "produces": ["application/x-ndjson"],
            "responses": {"200": {"description": "One session.Event per line", "schema": {"$ref": "#/definitions/session.Event"}}}}},
        "/status": {"get": {"summary": "Engine status", "produces": ["application/json"],
            "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}}},
        "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
        "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "no model loaded"}}}}
    },
    "definitions": {
        "session.Event": {"type": "object", "properties": {
            "name": {"type": "string", "example": "load_done"}, "model": {"type": "string"}, "fields": {"type": "object"}}},
        "types.ModelIdentity": {"type": "object", "required": ["repository", "file_name"], "properties": {
            "repository": {"type": "string", "example": "unsloth/Qwen3-0.6B-GGUF"},
            "file_name": {"type": "string", "example": "Qwen3-0.6B-Q4_K_M.gguf"}}},
        "types.DownloadedModel": {"type": "object", "properties": {
            "identity": {"$ref": "#/definitions/types.ModelIdentity"},
            "file_name": {"type": "string"}, "path": {"type": "string"}, "size_bytes": {"type": "integer"}}},
        "types.ModelsResponse": {"type": "object", "properties": {
            "models": {"type": "array", "items": {"$ref": "#/definitions/types.DownloadedModel"}}}},
        "types.ModelStatusResponse": {"type": "object", "properties": {
            "identity": {"$ref": "#/definitions/types.ModelIdentity"}, "downloaded": {"type": "boolean"}, "size_bytes": {"type": "integer"}}},
        "types.DownloadRequest": {"type": "object", "required": ["identity"], "properties": {
            "identity": {"$ref": "#/definitions/types.ModelIdentity"}, "max_retries": {"type": "integer", "example": 3}}},
        "types.ProgressEvent": {"type": "object", "properties": {
            "stage": {"type": "string", "example": "downloading"}, "bytes_read": {"type": "integer"}, "total_bytes": {"type": "integer"},
            "done": {"type": "boolean"}, "path": {"type": "string"}, "error": {"type": "string"}, "kind": {"type": "string"}}},
        "types.IdentityRequest": {"type": "object", "required": ["identity"], "properties": {
            "identity": {"$ref": "#/definitions/types.ModelIdentity"}}},
        "types.DeleteResponse": {"type": "object", "properties": {
            "identity": {"$ref": "#/definitions/types.ModelIdentity"}, "deleted": {"type": "boolean"}}},
        "types.SyncResponse": {"type": "object", "properties": {
            "cleared": {"type": "array", "items": {"type": "string"}}, "added": {"type": "array", "items": {"type": "string"}}, "kept": {"type": "integer"}}},
        "types.LoadRequest": {"type": "object", "required": ["path"], "properties": {
            "path": {"type": "string", "example": "Qwen3-0.6B-Q4_K_M.gguf"}}},
        "types.GenerationConfig": {"type": "object", "properties": {
            "max_tokens": {"type": "integer", "example": 512}, "temperature": {"type": "number", "example": 0.7},
            "top_p": {"type": "number", "example": 0.9}, "repeat_penalty": {"type": "number", "example": 1.1}, "seed": {"type": "integer"}}},
        "types.GenerateRequest": {"type": "object", "required": ["prompt"], "properties": {
            "prompt": {"type": "string"}, "chat": {"type": "boolean"}, "stream": {"type": "boolean"},
            "config": {"$ref": "#/definitions/types.GenerationConfig"}}},
        "types.GenerationResult": {"type": "object", "properties": {
            "id": {"type": "string"}, "content": {"type": "string"}, "finish_reason": {"type": "string", "example": "stop"},
            "prompt_tokens": {"type": "integer"}, "completion_tokens": {"type": "integer"}}},
        "types.SessionStatus": {"type": "object", "properties": {
            "state": {"type": "string", "example": "loaded"}, "model_path": {"type": "string"}, "model_name": {"type": "string"},
            "architecture": {"type": "string"}, "generation_id": {"type": "string"}, "est_memory_mb": {"type": "integer"},
            "budget_mb": {"type": "integer"}, "last_error": {"type": "string"}}},
        "types.StatusResponse": {"type": "object", "properties": {
            "session": {"$ref": "#/definitions/types.SessionStatus"}, "models_dir": {"type": "string"}, "downloaded": {"type": "integer"},
            "uptime_seconds": {"type": "integer"}, "server_time_unix": {"type": "integer"}, "loads_total": {"type": "integer"}}},
        "types.ErrorResponse": {"type": "object", "properties": {
            "error": {"type": "string"}, "code": {"type": "integer"}, "kind": {"type": "string", "example": "busy"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "oxidelab API",
	Description:      "HTTP API for GGUF model management and local inference.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
