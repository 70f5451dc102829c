package lifecycle

import (
	"context"
	"log"
	"sync"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/logutil"
	"github.com/gluk-w/wagate/internal/session"
)

// inbox delivers one session's inbound messages in arrival order. A single
// background task drains the queue and exits once it is empty; the next
// message starts a new one.
type inbox struct {
	d    *Driver
	inst database.Instance

	mu      sync.Mutex
	queue   []session.Incoming
	running bool
}

func newInbox(d *Driver, inst database.Instance) *inbox {
	return &inbox{d: d, inst: inst}
}

func (q *inbox) push(msg session.Incoming) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, msg)
	if q.running {
		return
	}
	q.running = true
	if !q.d.bg.Submit("messages "+q.inst.ID, q.drain) {
		q.running = false
		q.queue = nil
	}
}

func (q *inbox) next(ctx context.Context) (session.Incoming, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 || ctx.Err() != nil {
		q.running = false
		q.queue = nil
		return session.Incoming{}, false
	}
	msg := q.queue[0]
	q.queue = q.queue[1:]
	return msg, true
}

func (q *inbox) drain(ctx context.Context) error {
	for {
		msg, ok := q.next(ctx)
		if !ok {
			return nil
		}
		if err := q.d.deliver(ctx, q.inst, msg); err != nil {
			log.Printf("[lifecycle] deliver message %s for instance %s: %v", logutil.SanitizeForLog(msg.ID), q.inst.ID, err)
		}
	}
}
