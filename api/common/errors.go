package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrBadRequest is returned when the provided HTTP request
	// is malformed.
	ErrBadRequest = errors.New("invalid request parameters")
	// ErrStorageError is returned when the underlying storage suffers
	// from an internal error.
	ErrStorageError = errors.New("internal storage error")
)

// ErrorResponse is a JSON error.
type ErrorResponse struct {
	Msg string `json:"msg"`
}

// HttpCodeForError maps an error to the status code it is replied with.
func HttpCodeForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ReplyWithError replies to an HTTP request with an error
// as JSON. Storage failures are not described to the client.
func ReplyWithError(w http.ResponseWriter, err error) error {
	code := HttpCodeForError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = ErrStorageError.Error()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(ErrorResponse{Msg: msg})
}
