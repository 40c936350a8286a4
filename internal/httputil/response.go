// Package httputil holds the JSON request and response helpers shared by the
// API handlers and middleware.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
)

// MaxBodyBytes caps request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err onto its ServiceError status and body. Unclassified
// errors become 500 without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	WriteJSON(w, se.HTTPStatus, ErrorResponse{
		Code:      string(se.Code),
		Kind:      string(se.Kind),
		Message:   se.Message,
		Details:   se.Details,
		RequestID: events.RequestID(r.Context()),
	})
}

// ReadJSON decodes the request body into v. Unknown fields and trailing data
// are rejected.
func ReadJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.InvalidInput("body", "empty request body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	if dec.More() {
		return errors.InvalidInput("body", "unexpected data after JSON object")
	}
	return nil
}
