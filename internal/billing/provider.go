package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// Provider subscription statuses.
const (
	StatusActive    = "ACTIVE"
	StatusCancelled = "CANCELLED"
)

// SubscriptionRequest is the body sent to create a subscription.
type SubscriptionRequest struct {
	PlanID             string             `json:"plan_id"`
	CustomID           string             `json:"custom_id,omitempty"`
	Subscriber         Subscriber         `json:"subscriber"`
	ApplicationContext ApplicationContext `json:"application_context"`
}

type Subscriber struct {
	Name         SubscriberName `json:"name"`
	EmailAddress string         `json:"email_address,omitempty"`
}

type SubscriberName struct {
	GivenName string `json:"given_name"`
}

type ApplicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	Locale     string `json:"locale,omitempty"`
	UserAction string `json:"user_action"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	ID     string `json:"id" validate:"required"`
	Status string `json:"status" validate:"required"`
	Links  []Link `json:"links" validate:"required,min=1,dive"`
}

type Link struct {
	Href   string `json:"href" validate:"required,url"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

// ApproveLink returns the link the subscriber follows to pay.
func (s *ProviderSubscription) ApproveLink() string {
	for _, l := range s.Links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	if len(s.Links) > 0 {
		return s.Links[0].Href
	}
	return ""
}

// Provider is the external billing service.
type Provider interface {
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
}

// HTTPProvider talks to a subscriptions REST endpoint with basic auth.
type HTTPProvider struct {
	client   *resty.Client
	validate *validator.Validate
}

func NewHTTPProvider(subscriptionsURL, clientID, secret string, timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetBaseURL(strings.TrimRight(subscriptionsURL, "/")).
		SetBasicAuth(clientID, secret).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPProvider{client: client, validate: validator.New()}
}

// CreateSubscription creates a subscription and checks the response shape. A
// malformed response is a hard error.
func (p *HTTPProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error) {
	var out ProviderSubscription
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create subscription: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if err := p.validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("create subscription: unexpected response %s: %w", resp.String(), err)
	}
	return &out, nil
}

func (p *HTTPProvider) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	var out ProviderSubscription
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/{id}")
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get subscription %s: HTTP %d: %s", id, resp.StatusCode(), resp.String())
	}
	return &out, nil
}

var _ Provider = (*HTTPProvider)(nil)
