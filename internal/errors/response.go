package errors

import (
	"encoding/json"
	"net/http"
)

// Response is the standardized error envelope returned to clients.
type Response struct {
	Error Detail `json:"error"`
}

// Detail carries the error code, a human-readable message, and optional context.
type Detail struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates an error envelope for the given code and message.
func New(code Code, message string, details map[string]any) Response {
	return Response{
		Error: Detail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteJSON writes the envelope with the status derived from its code.
func (r Response) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Error.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(r)
}

// Write renders an error envelope in one call.
func Write(w http.ResponseWriter, code Code, message string) {
	New(code, message, nil).WriteJSON(w)
}

// WriteWithDetail renders an error envelope with a single detail field.
func WriteWithDetail(w http.ResponseWriter, code Code, message, key string, value any) {
	New(code, message, map[string]any{key: value}).WriteJSON(w)
}
