package handlers

import (
	"io"
	"net/http"

	"github.com/gluk-w/wagate/internal/billing"
	"github.com/gluk-w/wagate/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Billing is set from main.go during init.
var Billing *billing.Bridge

const maxEventBody = 1 << 20

// CaptureSubscription handles the provider's return redirect, which carries
// the subscription id as a query parameter.
func CaptureSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("subscription_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "subscription_id is required")
		return
	}
	writeResult(w, Billing.CaptureSubscription(r.Context(), id, "redirect"))
}

// CaptureSubscriptionRecurrent handles renewal notifications. The id is read
// from subscription_id or, for provider payment events, the resource.
func CaptureSubscriptionRecurrent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubscriptionID string `json:"subscription_id"`
		Resource       struct {
			ID                 string `json:"id"`
			BillingAgreementID string `json:"billing_agreement_id"`
		} `json:"resource"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := body.SubscriptionID
	if id == "" {
		id = body.Resource.BillingAgreementID
	}
	if id == "" {
		id = body.Resource.ID
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "subscription_id is required")
		return
	}
	writeResult(w, Billing.CaptureSubscription(r.Context(), id, "recurrent"))
}

func PaymentEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ev, err := billing.ParseEvent(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeResult(w, Billing.EventsControls(r.Context(), ev))
}

func ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Billing.List(r.Context(), middleware.GetUser(r)))
}

func SubscribeInstance(w http.ResponseWriter, r *http.Request) {
	writeResult(w, Billing.Subscribe(r.Context(), chi.URLParam(r, "id"), middleware.GetUser(r)))
}
