package database

import "time"

// Persisted instance statuses. Only the session lifecycle moves an instance
// between them.
const (
	StatusPending       = "pending"
	StatusInitial       = "initial"
	StatusAuthenticated = "authenticated"
	StatusConnected     = "connected"
	StatusUnpayment     = "unpayment"
)

type Instance struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	Name           string     `gorm:"not null" json:"name"`
	SealedToken    string     `gorm:"column:token;not null" json:"-"` // Fernet-encrypted
	Token          string     `gorm:"-" json:"-"`
	Status         string     `gorm:"not null;default:initial;index" json:"status"`
	QR             string     `gorm:"type:text" json:"-"`
	InitialDate    *time.Time `json:"initial_date"`
	EndService     *time.Time `gorm:"index" json:"end_service"`
	SubscriptionID string     `gorm:"index" json:"subscription_id"`
	PaymentLink    string     `json:"payment_link"`
	WebhookURL     string     `json:"webhook_url"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Subscription struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ExternalID  string    `gorm:"uniqueIndex;not null" json:"id"`
	Status      string    `gorm:"not null" json:"status"`
	PlanID      string    `json:"plan_id"`
	ApproveLink string    `json:"approve_link"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	InstanceID  string    `gorm:"index" json:"instance_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Instance *Instance `gorm:"foreignKey:InstanceID;references:ID" json:"instance,omitempty"`
}

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

type Message struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"not null;index" json:"instance_id"`
	UserID     uint      `gorm:"index" json:"user_id"`
	Direction  string    `gorm:"not null" json:"direction"`
	Peer       string    `json:"peer"`
	Body       string    `gorm:"type:text" json:"body"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Queued     bool      `json:"queued"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}
