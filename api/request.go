package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

const maxAuthBodySize = 16 << 10

// decodeJSON reads a single JSON object of type T from the request body.
// Unknown fields and oversized bodies are rejected. On failure the error
// response has already been written.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}
