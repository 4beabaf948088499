package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/unicitynetwork/otcbroker/log"
)

// Error is the API error envelope. It satisfies the error interface and
// knows how to serialize itself as an HTTP response.
type Error struct {
	Err        error `json:"-"`
	Code       int   `json:"code"`
	HTTPstatus int   `json:"-"`
}

// MarshalJSON encodes the error message together with its code. Implemented
// by hand because Err is an error, not a string.
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}{
		Error: e.Err.Error(),
		Code:  e.Code,
	})
}

// Error returns the human-readable description.
func (e Error) Error() string {
	return e.Err.Error()
}

// Withf returns a copy of the error with the formatted message appended.
func (e Error) Withf(format string, args ...any) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, fmt.Sprintf(format, args...)),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
	}
}

// WithErr returns a copy of the error wrapping the given underlying error.
func (e Error) WithErr(err error) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, err),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
	}
}

// Write serializes the error as the HTTP response body with the mapped
// status code.
func (e Error) Write(w http.ResponseWriter) {
	body, err := json.Marshal(e)
	if err != nil {
		log.Warnw("failed to marshal error response", "error", err)
		http.Error(w, "marshal error failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(append(body, '\n')); err != nil {
		log.Warnw("failed to write error response", "error", err)
	}
}
