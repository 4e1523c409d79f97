package v1

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v as the JSON body of a response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// badRequest reports err to the caller and to the access log.
func badRequest(w http.ResponseWriter, err error) {
	markErr(w, err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}
