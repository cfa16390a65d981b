package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxBodySize caps operator API request bodies. Webhooks have their own limit.
const MaxBodySize = 1 << 20

// RequestError is a client mistake in a request body, with the status to answer it with
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func badRequest(format string, args ...interface{}) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// DecodeJSON decodes a single JSON object into dst. Unknown fields are rejected so a typo in
// a config key is not silently ignored.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) *RequestError {
	if r.Body == nil {
		return badRequest("request body is empty")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil {
		if dec.More() {
			return badRequest("request body must contain a single JSON object")
		}
		return nil
	}

	var (
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
		maxBytesErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		return &RequestError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", MaxBodySize),
		}
	case errors.As(err, &syntaxErr):
		return badRequest("malformed JSON at position %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return badRequest("invalid value for field %q: expected %s", typeErr.Field, typeErr.Type)
	case errors.Is(err, io.EOF):
		return badRequest("request body is empty")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return badRequest("request body is truncated")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return badRequest("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return badRequest("invalid JSON in request body")
	}
}

// Bind decodes and validates a request body. On failure it writes the error response and
// returns false.
func Bind(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if rerr := DecodeJSON(w, r, dst); rerr != nil {
		RespondError(w, rerr.Status, rerr.Message)
		return false
	}
	if errs := Validate(dst); errs != nil {
		RespondValidationError(w, errs)
		return false
	}
	return true
}
