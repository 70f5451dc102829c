package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gluk-w/wagate/internal/instance"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeResult writes a use-case result with its status code as the HTTP status.
func writeResult(w http.ResponseWriter, res instance.Result) {
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func decodeBody(r *http.Request, v interface{}) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
