package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/wagate/internal/instance"
	"github.com/gluk-w/wagate/internal/lifecycle"
	"github.com/gluk-w/wagate/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Set from main.go during init.
var (
	Instances *instance.Service
	Driver    *lifecycle.Driver
)

// intQuery returns nil when the parameter is absent or not a number.
func intQuery(r *http.Request, name string) *int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func ListInstances(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.Get(r.Context(), instance.SearchRequest{
		Search: r.URL.Query().Get("search"),
		Skip:   intQuery(r, "skip"),
		Limit:  intQuery(r, "limit"),
	}, middleware.GetUser(r)))
}

func CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body instance.SaveRequest
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeResult(w, Instances.Save(r.Context(), body, middleware.GetUser(r)))
}

func UpdateInstance(w http.ResponseWriter, r *http.Request) {
	var body instance.SaveRequest
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.ID = chi.URLParam(r, "id")
	writeResult(w, Instances.Save(r.Context(), body, middleware.GetUser(r)))
}

func GetInstance(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.FindByID(r.Context(), chi.URLParam(r, "id"), middleware.GetUser(r)))
}

func DeleteInstance(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Instances.Delete(r.Context(), chi.URLParam(r, "id"), middleware.GetUser(r)))
}

func SaveInstanceWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WebhookURL string `json:"webhook_url"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeResult(w, Instances.SaveWebhookURL(r.Context(), chi.URLParam(r, "id"), body.WebhookURL, middleware.GetUser(r)))
}

func SaveInstanceName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeResult(w, Instances.SaveName(r.Context(), chi.URLParam(r, "id"), body.Name, middleware.GetUser(r)))
}

func ListInstanceMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if n := intQuery(r, "limit"); n != nil {
		limit = *n
	}
	writeResult(w, Instances.Messages(r.Context(), chi.URLParam(r, "id"), limit, middleware.GetUser(r)))
}
