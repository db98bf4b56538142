package util

import (
	"encoding/json"
	"net/http"

	"repochat/pkg/apperr"
)

// ErrorResponse is the wire shape of every error the gateway returns.
type ErrorResponse struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteAppError maps a typed error to its HTTP status and wire shape.
// Internal errors hide the underlying cause from clients.
func WriteAppError(w http.ResponseWriter, appErr *apperr.Error) {
	resp := ErrorResponse{Message: appErr.Message, Details: appErr.Details}
	if appErr.Kind == apperr.KindInternal {
		resp = ErrorResponse{Message: "internal server error"}
	}
	WriteJSON(w, appErr.HTTPStatus(), resp)
}

// WriteError converts any error into the wire shape. Untyped errors are
// treated as internal.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		WriteAppError(w, appErr)
		return
	}
	WriteAppError(w, apperr.Internal("internal server error", err))
}
