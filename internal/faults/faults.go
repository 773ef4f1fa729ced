// Package faults defines the tagged error values returned across the engine
// boundary. Every failure carries a Kind so callers can branch on it without
// string matching, and the HTTP layer can map it to a status code.
package faults

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindHTTPStatus  Kind = "http_status"
	KindContentType Kind = "content_type"
	KindIntegrity   Kind = "integrity"
	KindFilesystem  Kind = "filesystem"
	KindFormat      Kind = "format"
	KindArtifact    Kind = "artifact"
	KindOutOfMemory Kind = "out_of_memory"
	KindNotLoaded   Kind = "not_loaded"
	KindBusy        Kind = "busy"
	KindInvalid     Kind = "invalid"
	KindDependency  Kind = "dependency"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Error is a tagged failure. Op names the operation, Stage the user-facing
// phase of a download ("downloading", "initializing", ...).
type Error struct {
	Kind   Kind
	Op     string
	Stage  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindArtifact:
		return http.StatusNotFound
	case KindNotLoaded:
		return http.StatusConflict
	case KindBusy:
		return http.StatusTooManyRequests
	case KindFormat, KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindNetwork, KindHTTPStatus, KindContentType:
		return http.StatusBadGateway
	case KindOutOfMemory:
		return http.StatusInsufficientStorage
	case KindDependency:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// E builds a tagged error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a tagged error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// WithStage returns a copy of e carrying the given stage.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// KindOf returns the kind of the first tagged error in err's chain.
// Context errors map to KindCancelled; untagged errors map to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsBusy(err error) bool        { return Is(err, KindBusy) }
func IsNotLoaded(err error) bool   { return Is(err, KindNotLoaded) }
func IsFormat(err error) bool      { return Is(err, KindFormat) }
func IsArtifact(err error) bool    { return Is(err, KindArtifact) }
func IsIntegrity(err error) bool   { return Is(err, KindIntegrity) }
func IsCancelled(err error) bool   { return Is(err, KindCancelled) }
func IsDependency(err error) bool  { return Is(err, KindDependency) }
func IsOutOfMemory(err error) bool { return Is(err, KindOutOfMemory) }

// StatusCode returns the HTTP status for err, defaulting to 500.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode()
	}
	return (&Error{Kind: KindOf(err)}).StatusCode()
}
