// SPDX-License-Identifier: MIT

package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// ErrorBody is the uniform error shape of every server in the rig.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps a classified error onto its HTTP status and the uniform
// body. Unclassified errors become 500s without leaking internals.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	reason := rigerr.ReasonOf(err)
	status := rigerr.HTTPStatus(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).Error().Err(err).Msg("request failed")
		detail = "internal error"
	}
	WriteJSON(w, status, ErrorBody{
		Error:  http.StatusText(status),
		Reason: string(reason),
		Detail: detail,
	})
}

// DecodeJSON decodes a bounded request body.
func DecodeJSON(r *http.Request, v any, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBytes))
	if err := dec.Decode(v); err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "decode request", err)
	}
	return nil
}
