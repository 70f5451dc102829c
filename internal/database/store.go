package database

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TokenCodec seals instance tokens before they reach the database.
type TokenCodec interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

type plainCodec struct{}

func (plainCodec) Seal(s string) (string, error) { return s, nil }
func (plainCodec) Open(s string) (string, error) { return s, nil }

// Store is the record store for instances, subscriptions and the message log.
// Lookups that find nothing return (nil, nil).
type Store struct {
	db    *gorm.DB
	codec TokenCodec
	now   func() time.Time
}

// NewStore wraps db. A nil codec stores tokens as-is.
func NewStore(db *gorm.DB, codec TokenCodec) *Store {
	if codec == nil {
		codec = plainCodec{}
	}
	return &Store{db: db, codec: codec, now: time.Now}
}

// AddMonth returns t moved one calendar month ahead.
func AddMonth(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}

func (s *Store) open(inst *Instance) error {
	tok, err := s.codec.Open(inst.SealedToken)
	if err != nil {
		return fmt.Errorf("open token for instance %s: %w", inst.ID, err)
	}
	inst.Token = tok
	return nil
}

func (s *Store) first(q *gorm.DB) (*Instance, error) {
	var inst Instance
	if err := q.First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.open(&inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) openAll(list []Instance) error {
	for i := range list {
		if err := s.open(&list[i]); err != nil {
			return err
		}
	}
	return nil
}

// CreateInstance inserts a new instance with a fresh id and token, status
// initial and a one month service window.
func (s *Store) CreateInstance(ctx context.Context, name, webhookURL string, userID uint) (*Instance, error) {
	now := s.now()
	end := AddMonth(now)
	token := uuid.NewString()
	sealed, err := s.codec.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}

	inst := &Instance{
		ID:          uuid.NewString(),
		Name:        name,
		SealedToken: sealed,
		Token:       token,
		Status:      StatusInitial,
		InitialDate: &now,
		EndService:  &end,
		WebhookURL:  webhookURL,
		UserID:      userID,
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance rewrites the mutable fields of an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, id, name, webhookURL string) error {
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":        name,
		"webhook_url": webhookURL,
	}).Error
}

// UpdateStatus persists status. Moving to initial also stamps initial_date.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	updates := map[string]interface{}{"status": status}
	if status == StatusInitial {
		updates["initial_date"] = s.now()
	}
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Updates(updates).Error
}

// MarkInitial moves the instance to initial unless it is unpaid. It reports
// false when no row was changed, so a start for an unpaid or deleted instance
// can stand down.
func (s *Store) MarkInitial(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ? AND status <> ?", id, StatusUnpayment).
		Updates(map[string]interface{}{"status": StatusInitial, "initial_date": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateQR stores the latest authentication code and marks the instance pending.
func (s *Store) UpdateQR(ctx context.Context, id, qr string) error {
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status": StatusPending,
		"qr":     qr,
	}).Error
}

func (s *Store) UpdateEndService(ctx context.Context, id string, end *time.Time) error {
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Update("end_service", end).Error
}

func (s *Store) UpdateSubscriptionID(ctx context.Context, id, subscriptionID string) error {
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Update("subscription_id", subscriptionID).Error
}

func (s *Store) UpdatePaymentLink(ctx context.Context, id, link string) error {
	return s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Update("payment_link", link).Error
}

// SaveWebhookURL reports whether an instance with id exists.
func (s *Store) SaveWebhookURL(ctx context.Context, id, url string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Update("webhook_url", url)
	return res.RowsAffected > 0, res.Error
}

// SaveName reports whether an instance with id exists.
func (s *Store) SaveName(ctx context.Context, id, name string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Instance{}).Where("id = ?", id).Update("name", name)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) FindByID(ctx context.Context, id string) (*Instance, error) {
	return s.first(s.db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDAndToken resolves an instance only when token matches the stored one.
func (s *Store) FindByIDAndToken(ctx context.Context, id, token string) (*Instance, error) {
	if id == "" || token == "" {
		return nil, nil
	}
	inst, err := s.FindByID(ctx, id)
	if err != nil || inst == nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(inst.Token), []byte(token)) != 1 {
		return nil, nil
	}
	return inst, nil
}

// FindByIDAndUserID resolves an instance owned by userID. Admins see all.
func (s *Store) FindByIDAndUserID(ctx context.Context, id string, userID uint, admin bool) (*Instance, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if !admin {
		q = q.Where("user_id = ?", userID)
	}
	return s.first(q)
}

func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Instance, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.first(s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID))
}

type ListQuery struct {
	Search string
	Skip   int
	Limit  int
	UserID uint
	Admin  bool
}

// ListInstances returns one page of instances, newest first, and the total
// number of matches.
func (s *Store) ListInstances(ctx context.Context, q ListQuery) ([]Instance, int64, error) {
	tx := s.db.WithContext(ctx).Model(&Instance{})
	if !q.Admin {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Search != "" {
		like := "%" + q.Search + "%"
		tx = tx.Where("name LIKE ? OR id LIKE ?", like, like)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []Instance
	if err := tx.Order("created_at DESC").Offset(q.Skip).Limit(q.Limit).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	if err := s.openAll(list); err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// DeleteInstance removes the record. Admins may delete any instance.
func (s *Store) DeleteInstance(ctx context.Context, id string, userID uint, admin bool) (bool, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if !admin {
		q = q.Where("user_id = ?", userID)
	}
	res := q.Delete(&Instance{})
	return res.RowsAffected > 0, res.Error
}

// ListResumable returns every instance whose session should be running.
func (s *Store) ListResumable(ctx context.Context) ([]Instance, error) {
	var list []Instance
	if err := s.db.WithContext(ctx).Where("status <> ?", StatusUnpayment).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, s.openAll(list)
}

// ExpiredInstances returns paying instances whose service window closed before now.
func (s *Store) ExpiredInstances(ctx context.Context, now time.Time) ([]Instance, error) {
	var list []Instance
	err := s.db.WithContext(ctx).
		Where("end_service IS NOT NULL AND end_service < ? AND status <> ?", now, StatusUnpayment).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, s.openAll(list)
}

// Subscriptions

func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *Store) FindSubscription(ctx context.Context, externalID string) (*Subscription, error) {
	var sub Subscription
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, externalID, status string) error {
	return s.db.WithContext(ctx).Model(&Subscription{}).Where("external_id = ?", externalID).Update("status", status).Error
}

func (s *Store) LinkSubscriptionInstance(ctx context.Context, externalID, instanceID string) error {
	return s.db.WithContext(ctx).Model(&Subscription{}).Where("external_id = ?", externalID).Update("instance_id", instanceID).Error
}

// ListSubscriptions returns subscriptions with their instance attached.
func (s *Store) ListSubscriptions(ctx context.Context, userID uint, admin bool) ([]Subscription, error) {
	tx := s.db.WithContext(ctx).Preload("Instance").Order("created_at DESC")
	if !admin {
		tx = tx.Where("user_id = ?", userID)
	}
	var subs []Subscription
	if err := tx.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// Message log

func (s *Store) RecordMessage(ctx context.Context, m *Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) ListMessages(ctx context.Context, instanceID string, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

// Users

func (s *Store) GetUser(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
