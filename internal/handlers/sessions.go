package handlers

import (
	"net/http"

	"github.com/gluk-w/wagate/internal/instance"
	"github.com/gluk-w/wagate/internal/middleware"
	"github.com/gluk-w/wagate/internal/orchestrator"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/go-chi/chi/v5"
)

// Session endpoints are authorized by the instance token rather than an
// operator login, so client integrations can poll them directly.

func GetSessionQR(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.GetQR(r.Context(), chi.URLParam(r, "id"), middleware.InstanceToken(r)))
}

func GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.GetRealStatus(r.Context(), chi.URLParam(r, "id"), middleware.InstanceToken(r)))
}

// GetSessionBrowser reports the container behind a session next to the
// session's own status.
func GetSessionBrowser(w http.ResponseWriter, r *http.Request) {
	id, token := chi.URLParam(r, "id"), middleware.InstanceToken(r)
	res := Instances.GetRealStatus(r.Context(), id, token)
	if res.StatusCode != http.StatusOK {
		writeResult(w, res)
		return
	}
	key, _ := session.NewKey(id, token)
	browser, err := orchestrator.Active{}.GetBrowserStatus(r.Context(), orchestrator.BrowserName(string(key)))
	if err != nil {
		browser = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": res.Message,
		"browser": browser,
	})
}

func RestartSession(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.Restart(r.Context(), chi.URLParam(r, "id"), middleware.InstanceToken(r)))
}

func LogoutSession(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.Logout(r.Context(), chi.URLParam(r, "id"), middleware.InstanceToken(r)))
}

// SendSessionMessage accepts the token in the body as well as the header.
func SendSessionMessage(w http.ResponseWriter, r *http.Request) {
	var body instance.SendRequest
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.ID = chi.URLParam(r, "id")
	if tok := middleware.InstanceToken(r); tok != "" {
		body.Token = tok
	}
	writeResult(w, Instances.Send(r.Context(), body))
}
