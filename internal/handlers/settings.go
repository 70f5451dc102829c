package handlers

import (
	"net/http"

	"github.com/gluk-w/wagate/internal/database"
)

// Backends accepted for the orchestrator_backend setting. A change applies on
// the next start.
var orchestratorBackends = map[string]bool{
	"auto":       true,
	"docker":     true,
	"kubernetes": true,
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	backend, err := database.GetSetting("orchestrator_backend")
	if err != nil {
		backend = "auto"
	}
	writeJSON(w, http.StatusOK, map[string]string{"orchestrator_backend": backend})
}

func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrchestratorBackend *string `json:"orchestrator_backend"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.OrchestratorBackend != nil {
		if !orchestratorBackends[*body.OrchestratorBackend] {
			writeError(w, http.StatusBadRequest, "orchestrator_backend must be auto, docker or kubernetes")
			return
		}
		if err := database.SetSetting("orchestrator_backend", *body.OrchestratorBackend); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}
	GetSettings(w, r)
}
