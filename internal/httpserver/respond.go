package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ErrorKind is one of a fixed set of error categories, each with a stable
// HTTP status mapping, applied by RespondErr to an *Error. Handlers that
// call RespondDetail instead pass the status code themselves.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "invalid_input"
	KindUnauthenticated      ErrorKind = "unauthenticated"
	KindForbidden            ErrorKind = "forbidden"
	KindNotFound             ErrorKind = "not_found"
	KindConflict             ErrorKind = "conflict"
	KindPreconditionFailed   ErrorKind = "precondition_failed"
	KindTransientUnavailable ErrorKind = "transient_unavailable"
	KindTimeout              ErrorKind = "timeout"
	KindInternal             ErrorKind = "internal"
)

var kindStatus = map[ErrorKind]int{
	KindInvalidInput:         http.StatusBadRequest,
	KindUnauthenticated:      http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindPreconditionFailed:   http.StatusPreconditionFailed,
	KindTransientUnavailable: http.StatusServiceUnavailable,
	KindTimeout:              http.StatusGatewayTimeout,
	KindInternal:             http.StatusInternalServerError,
}

// Error is the error type handlers and services return for anything that
// should reach the client as a structured response. Code carries a narrow,
// stable sub-category (e.g. "expired", "bad_signature") for kinds that need
// one; it is never a substitute for Message, which is always safe to show.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error // wrapped cause, for logging only — never serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, retaining cause for logging.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// detailResponse is the spec-mandated wire envelope for every error.
type detailResponse struct {
	Detail string `json:"detail"`
}

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondErr writes err as a `{"detail": "..."}` response. If err is not an
// *Error (or does not wrap one), it is logged and reported as a generic
// internal error without leaking its message to the client.
func RespondErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Kind == KindInternal {
			logger.Error("internal error", "error", appErr.Error())
			Respond(w, appErr.Status(), detailResponse{Detail: "internal error"})
			return
		}
		Respond(w, appErr.Status(), detailResponse{Detail: appErr.Message})
		return
	}

	logger.Error("unclassified error", "error", err)
	Respond(w, http.StatusInternalServerError, detailResponse{Detail: "internal error"})
}

// RespondDetail writes a `{"detail": "..."}` response directly, for call
// sites that have a status and message but no constructed *Error.
func RespondDetail(w http.ResponseWriter, status int, message string) {
	Respond(w, status, detailResponse{Detail: message})
}
