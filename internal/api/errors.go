package api

import (
	"errors"
	"net/http"
)

// ErrInvalidRequest matches every client error rendered with status 400.
var ErrInvalidRequest = errors.New("invalid request")

// requestError is a failure with a fixed place in the error envelope.
type requestError struct {
	status int
	kind   string
	param  string
	code   string
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error {
	if e.status == http.StatusBadRequest {
		return ErrInvalidRequest
	}
	return nil
}

func (e *requestError) body() ResponseError {
	return ResponseError{Message: e.msg, Type: e.kind, Param: e.param, Code: e.code}
}

// badRequest blames param, which may be empty when the body as a whole is
// malformed.
func badRequest(param, msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, kind: "invalid_request_error", param: param, msg: msg}
}

func notFound(param, msg string) *requestError {
	return &requestError{status: http.StatusNotFound, kind: "not_found_error", param: param, msg: msg}
}
