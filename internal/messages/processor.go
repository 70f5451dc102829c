// Package messages handles inbound session messages: they are logged to the
// database and forwarded to the instance's webhook.
package messages

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/go-resty/resty/v2"
)

type Recorder interface {
	RecordMessage(ctx context.Context, m *database.Message) error
}

// WebhookEvent is the JSON body posted to an instance webhook.
type WebhookEvent struct {
	Event      string           `json:"event"`
	InstanceID string           `json:"instance_id"`
	Name       string           `json:"name"`
	Message    session.Incoming `json:"message"`
}

type Processor struct {
	store  Recorder
	client *resty.Client
}

func NewProcessor(store Recorder, timeout time.Duration) *Processor {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "wagate-webhook/1")
	return &Processor{store: store, client: client}
}

// HandleIncoming records msg and posts it to the instance webhook, if one is
// configured. A failed record does not stop the webhook delivery.
func (p *Processor) HandleIncoming(ctx context.Context, inst *database.Instance, msg session.Incoming) error {
	rec := &database.Message{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Direction:  database.DirectionIn,
		Peer:       msg.From,
		Body:       msg.Body,
	}
	if err := p.store.RecordMessage(ctx, rec); err != nil {
		log.Printf("[messages] record inbound message for %s: %v", inst.ID, err)
	}

	if inst.WebhookURL == "" {
		return nil
	}
	return p.post(ctx, inst, msg)
}

func (p *Processor) post(ctx context.Context, inst *database.Instance, msg session.Incoming) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(WebhookEvent{Event: "message", InstanceID: inst.ID, Name: inst.Name, Message: msg}).
		Post(inst.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhook for %s: %w", inst.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook for %s: HTTP %d: %s", inst.ID, resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
