package rest

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// writeError is the single boundary adapter from the error taxonomy to HTTP.
// Internal detail is logged, never serialized.
func writeError(w http.ResponseWriter, err error) {
	e := herr.As(err)
	status := e.Kind.Status()
	msg := e.Message
	if status >= 500 {
		log.Printf("[HTTP] %s: %v", e.Kind, err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("[HTTP] encode response: %v", err)
		}
	}
}

func decodeBody(resp *http.Response, dest interface{}) error {
	return json.NewDecoder(resp.Body).Decode(dest)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return herr.Wrap(herr.Validation, "malformed request body", err)
	}
	return nil
}
