// Package billing ties subscription events from the payment provider to the
// instance session lifecycle.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/instance"
	"github.com/gluk-w/wagate/internal/lifecycle"
	"github.com/gluk-w/wagate/internal/logutil"
	"github.com/gluk-w/wagate/internal/notify"
)

const EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"

var ErrNoPlan = errors.New("billing plan not configured")

type Store interface {
	FindSubscription(ctx context.Context, externalID string) (*database.Subscription, error)
	SaveSubscription(ctx context.Context, sub *database.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, externalID, status string) error
	LinkSubscriptionInstance(ctx context.Context, externalID, instanceID string) error
	ListSubscriptions(ctx context.Context, userID uint, admin bool) ([]database.Subscription, error)

	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*database.Instance, error)
	FindByIDAndUserID(ctx context.Context, id string, userID uint, admin bool) (*database.Instance, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateEndService(ctx context.Context, id string, end *time.Time) error
	UpdateSubscriptionID(ctx context.Context, id, subscriptionID string) error
	UpdatePaymentLink(ctx context.Context, id, link string) error
	ExpiredInstances(ctx context.Context, now time.Time) ([]database.Instance, error)

	GetUser(ctx context.Context, id uint) (*database.User, error)
}

// Sessions is the lifecycle driver as seen by billing.
type Sessions interface {
	StartAsync(inst database.Instance, reason string)
	DestroyInstance(ctx context.Context, inst *database.Instance)
}

type Bridge struct {
	store    Store
	provider Provider
	sessions Sessions
	mailer   notify.Mailer
	plan     *Plan
	now      func() time.Time
}

// NewBridge wires billing. plan may be nil, in which case new subscriptions
// cannot be generated.
func NewBridge(store Store, provider Provider, sessions Sessions, mailer notify.Mailer, plan *Plan) *Bridge {
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	return &Bridge{
		store:    store,
		provider: provider,
		sessions: sessions,
		mailer:   mailer,
		plan:     plan,
		now:      time.Now,
	}
}

func fail(op string, err error) instance.Result {
	log.Printf("[billing] %s: %v", op, err)
	return instance.Result{StatusCode: 500, Error: "Internal server error"}
}

// CaptureSubscription activates the instance behind a subscription once the
// provider confirms it is active. Capturing an already active subscription
// changes nothing.
func (b *Bridge) CaptureSubscription(ctx context.Context, subscriptionID, origin string) instance.Result {
	sub, err := b.store.FindSubscription(ctx, subscriptionID)
	if err != nil {
		return fail("find subscription", err)
	}
	if sub == nil {
		log.Printf("[billing] capture from %s: unknown subscription %s", origin, logutil.SanitizeForLog(subscriptionID))
		return instance.Result{StatusCode: 404, Message: "Subscription not exist"}
	}
	if sub.Status == StatusActive {
		return instance.Result{StatusCode: 201, Message: "Subscription activated"}
	}

	inst, err := b.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return fail("find instance", err)
	}
	if inst == nil {
		log.Printf("[billing] capture from %s: subscription %s has no instance", origin, subscriptionID)
		return instance.Result{StatusCode: 404, Error: "The subscription do not have any instance", Message: "Instance not found"}
	}

	remote, err := b.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fail("get provider subscription", err)
	}
	if remote.Status != StatusActive {
		return instance.Result{StatusCode: 422, Error: "The subscription needs to be active", Message: "The subscription is not active"}
	}

	end := database.AddMonth(b.now())
	if err := b.store.UpdateEndService(ctx, inst.ID, &end); err != nil {
		return fail("update end service", err)
	}
	if err := b.store.UpdateStatus(ctx, inst.ID, database.StatusInitial); err != nil {
		return fail("update status", err)
	}
	if err := b.store.UpdateSubscriptionStatus(ctx, subscriptionID, StatusActive); err != nil {
		return fail("activate subscription", err)
	}
	inst.EndService = &end
	inst.Status = database.StatusInitial
	b.sessions.StartAsync(*inst, lifecycle.ReasonPayment)
	log.Printf("[billing] instance %s activated by subscription %s (%s)", inst.ID, subscriptionID, origin)

	user, err := b.store.GetUser(ctx, inst.UserID)
	switch {
	case err != nil:
		log.Printf("[billing] load owner of instance %s: %v", inst.ID, err)
	case user == nil:
		log.Printf("[billing] instance %s has no owner (user %d)", inst.ID, inst.UserID)
	default:
		if err := notify.PaymentConfirmed(ctx, b.mailer, user, inst); err != nil {
			log.Printf("[billing] notify user %d: %v", user.ID, err)
		}
	}
	return instance.Result{StatusCode: 200, Message: "The instance is initialized successfully"}
}

// Event is the subset of a provider webhook body that is acted on.
type Event struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID string `json:"id"`
	} `json:"resource"`
}

func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("parse billing event: %w", err)
	}
	return ev, nil
}

// EventsControls handles provider webhooks. Only cancellations are acted on.
func (b *Bridge) EventsControls(ctx context.Context, ev Event) instance.Result {
	if ev.EventType == EventSubscriptionCancelled {
		if err := b.CancelSubscription(ctx, ev.Resource.ID); err != nil {
			log.Printf("[billing] cancel subscription %s: %v", logutil.SanitizeForLog(ev.Resource.ID), err)
		}
	}
	return instance.Result{StatusCode: 200, Message: "ok"}
}

// CancelSubscription stops the instance behind a cancelled subscription and,
// when its owner is known, issues a fresh subscription so the owner can pay
// again. The instance is always left unpaid with its session destroyed.
func (b *Bridge) CancelSubscription(ctx context.Context, subscriptionID string) error {
	inst, err := b.store.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("find instance: %w", err)
	}
	if inst == nil {
		log.Printf("[billing] cancelled subscription %s has no instance", logutil.SanitizeForLog(subscriptionID))
		return nil
	}

	if err := b.store.UpdateStatus(ctx, inst.ID, database.StatusUnpayment); err != nil {
		log.Printf("[billing] mark instance %s unpaid: %v", inst.ID, err)
	}
	b.sessions.DestroyInstance(ctx, inst)
	if err := b.store.UpdateSubscriptionStatus(ctx, subscriptionID, StatusCancelled); err != nil {
		log.Printf("[billing] mark subscription %s cancelled: %v", subscriptionID, err)
	}

	user, err := b.store.GetUser(ctx, inst.UserID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	if user == nil {
		// The instance keeps pointing at the cancelled subscription.
		log.Printf("[billing] instance %s has no owner, not reissuing subscription", inst.ID)
		return nil
	}
	_, err = b.reissue(ctx, inst, user)
	return err
}

// reissue creates a new subscription for user and attaches it to inst.
func (b *Bridge) reissue(ctx context.Context, inst *database.Instance, user *database.User) (*database.Subscription, error) {
	sub, err := b.GenerateSubscription(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := b.store.UpdateSubscriptionID(ctx, inst.ID, sub.ExternalID); err != nil {
		return nil, fmt.Errorf("store subscription id: %w", err)
	}
	if err := b.store.UpdateEndService(ctx, inst.ID, nil); err != nil {
		return nil, fmt.Errorf("clear end service: %w", err)
	}
	if err := b.store.UpdatePaymentLink(ctx, inst.ID, sub.ApproveLink); err != nil {
		return nil, fmt.Errorf("store payment link: %w", err)
	}
	if err := b.store.LinkSubscriptionInstance(ctx, sub.ExternalID, inst.ID); err != nil {
		return nil, fmt.Errorf("link subscription: %w", err)
	}
	sub.InstanceID = inst.ID
	return sub, nil
}

// GenerateSubscription creates a provider subscription for user from the
// configured plan and stores it.
func (b *Bridge) GenerateSubscription(ctx context.Context, user *database.User) (*database.Subscription, error) {
	if b.plan == nil {
		return nil, ErrNoPlan
	}
	name := user.Name
	if name == "" {
		name = user.Username
	}
	remote, err := b.provider.CreateSubscription(ctx, SubscriptionRequest{
		PlanID:   b.plan.PlanID,
		CustomID: fmt.Sprintf("%d", user.ID),
		Subscriber: Subscriber{
			Name:         SubscriberName{GivenName: name},
			EmailAddress: user.Email,
		},
		ApplicationContext: ApplicationContext{
			BrandName:  b.plan.BrandName,
			Locale:     b.plan.Locale,
			UserAction: "SUBSCRIBE_NOW",
			ReturnURL:  b.plan.ReturnURL,
			CancelURL:  b.plan.CancelURL,
		},
	})
	if err != nil {
		return nil, err
	}

	sub := &database.Subscription{
		ExternalID:  remote.ID,
		Status:      remote.Status,
		PlanID:      b.plan.PlanID,
		ApproveLink: remote.ApproveLink(),
		UserID:      user.ID,
	}
	if err := b.store.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

// Subscribe issues a subscription for an instance the user owns and returns
// its payment link.
func (b *Bridge) Subscribe(ctx context.Context, instanceID string, user *database.User) instance.Result {
	inst, err := b.store.FindByIDAndUserID(ctx, instanceID, user.ID, user.IsAdmin())
	if err != nil {
		return fail("find instance", err)
	}
	if inst == nil {
		return instance.Result{StatusCode: 422, Error: fmt.Sprintf("Instance %s not found", instanceID), Message: "Instance not found"}
	}
	owner := user
	if inst.UserID != user.ID {
		if owner, err = b.store.GetUser(ctx, inst.UserID); err != nil || owner == nil {
			return instance.Result{StatusCode: 422, Error: "Instance owner not found"}
		}
	}
	sub, err := b.reissue(ctx, inst, owner)
	if errors.Is(err, ErrNoPlan) {
		return instance.Result{StatusCode: 503, Error: "Billing is not configured"}
	}
	if err != nil {
		return fail("subscribe", err)
	}
	return instance.Result{StatusCode: 200, Message: map[string]string{
		"subscription_id": sub.ExternalID,
		"payment_link":    sub.ApproveLink,
	}}
}

// List returns the user's subscriptions with their instances. Admins see all.
func (b *Bridge) List(ctx context.Context, user *database.User) instance.Result {
	subs, err := b.store.ListSubscriptions(ctx, user.ID, user.IsAdmin())
	if err != nil {
		return fail("list subscriptions", err)
	}
	return instance.Result{StatusCode: 200, Message: subs}
}

// ExpireServices marks instances whose paid window has closed as unpaid and
// stops their sessions. It returns how many were expired.
func (b *Bridge) ExpireServices(ctx context.Context, now time.Time) (int, error) {
	list, err := b.store.ExpiredInstances(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired instances: %w", err)
	}
	for i := range list {
		inst := &list[i]
		if err := b.store.UpdateStatus(ctx, inst.ID, database.StatusUnpayment); err != nil {
			log.Printf("[billing] expire instance %s: %v", inst.ID, err)
			continue
		}
		b.sessions.DestroyInstance(ctx, inst)
		log.Printf("[billing] instance %s service ended %s", inst.ID, inst.EndService.Format(time.RFC3339))
	}
	return len(list), nil
}
