// Package httputil holds the JSON request and response helpers shared by the
// HTTP surface and its middleware.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/R3E-Network/gasstation/internal/errors"
)

// maxBodyBytes caps request bodies; transactions are small.
const maxBodyBytes = 1 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as {"error": message} using its ServiceError status.
// Internal causes are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	se, ok := errors.As(err)
	if !ok {
		se = errors.Internal("internal error", err)
	}
	WriteJSON(w, se.HTTPStatus, map[string]string{"error": se.Message})
}

// DecodeJSON decodes the request body into v, rejecting unknown shapes with a
// BadRequest.
func DecodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.BadRequest("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return errors.BadRequest("request body too large")
	}
	if len(body) == 0 {
		return errors.BadRequest("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.BadRequest("invalid JSON: %v", err)
	}
	return nil
}
