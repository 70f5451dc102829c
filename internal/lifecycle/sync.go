package lifecycle

import (
	"context"
	"log"

	"github.com/gluk-w/wagate/internal/database"
)

// StatusStore is the slice of the record store the synchronizer writes to.
type StatusStore interface {
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateQR(ctx context.Context, id, qr string) error
	MarkInitial(ctx context.Context, id string) (bool, error)
}

// Synchronizer maps session events onto persisted instance status. Event
// writes are logged on failure and never returned to the event dispatcher.
type Synchronizer struct {
	store StatusStore
}

func NewSynchronizer(store StatusStore) *Synchronizer {
	return &Synchronizer{store: store}
}

// QRIssued stores the code and moves the instance back to pending.
func (s *Synchronizer) QRIssued(ctx context.Context, id, code string) {
	if err := s.store.UpdateQR(ctx, id, code); err != nil {
		log.Printf("[sync] store qr for instance %s: %v", id, err)
	}
}

func (s *Synchronizer) Authenticated(ctx context.Context, id string) {
	s.set(ctx, id, database.StatusAuthenticated)
}

func (s *Synchronizer) Ready(ctx context.Context, id string) {
	s.set(ctx, id, database.StatusConnected)
}

func (s *Synchronizer) Disconnected(ctx context.Context, id string) {
	s.set(ctx, id, database.StatusPending)
}

// Initial marks the instance as starting. The store stamps initial_date. It
// reports false for an unpaid or deleted instance, and returns the error so a
// failed start can be retried.
func (s *Synchronizer) Initial(ctx context.Context, id string) (bool, error) {
	return s.store.MarkInitial(ctx, id)
}

func (s *Synchronizer) set(ctx context.Context, id, status string) {
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		log.Printf("[sync] set instance %s to %s: %v", id, status, err)
	}
}
