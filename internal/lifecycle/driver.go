// Package lifecycle drives messaging sessions through start, restart, destroy
// and logout, and keeps persisted instance status in step with session events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/logutil"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/sethvargo/go-retry"
)

// Start reasons, as they appear in logs.
const (
	ReasonStart       = "start"
	ReasonPayment     = "payment"
	ReasonWindowClose = "windowClose"
	ReasonError       = "error"
	ReasonResume      = "resume"
	ReasonRestart     = "restart"
)

// stateTimeout bounds a single runtime state query.
var stateTimeout = 5 * time.Second

var ErrNoSession = errors.New("no live session for instance")

// errStandDown stops a start loop for an instance that is unpaid or deleted.
var errStandDown = errors.New("instance is unpaid or removed")

// Store is the record store as seen by the driver.
type Store interface {
	StatusStore
	FindByIDAndUserID(ctx context.Context, id string, userID uint, admin bool) (*database.Instance, error)
	ListResumable(ctx context.Context) ([]database.Instance, error)
	RecordMessage(ctx context.Context, m *database.Message) error
}

// MessageSink receives inbound messages for instances that still exist.
type MessageSink interface {
	HandleIncoming(ctx context.Context, inst *database.Instance, msg session.Incoming) error
}

type Options struct {
	// RetryDelay is the fixed wait between failed start attempts.
	RetryDelay time.Duration
	// MaxAttempts caps start attempts. Zero retries until the context ends.
	MaxAttempts int
	// WaitAttempts and WaitInterval shape WaitStatus polling.
	WaitAttempts int
	WaitInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	if o.WaitAttempts <= 0 {
		o.WaitAttempts = 20
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = time.Second
	}
	return o
}

// Driver owns session handles through the table and is the only code that
// creates or destroys them.
type Driver struct {
	table   *session.Table
	factory session.Factory
	store   Store
	status  *Synchronizer
	sink    MessageSink
	bg      *Background
	opts    Options

	// mu guards starting and orders handle registration against aborts.
	mu       sync.Mutex
	starting map[session.Key]*startRun
}

// startRun is one in-flight Start for a key. Teardown of the key aborts it.
type startRun struct {
	cancel  context.CancelFunc
	aborted bool
}

func NewDriver(table *session.Table, factory session.Factory, store Store, sink MessageSink, bg *Background, opts Options) *Driver {
	return &Driver{
		table:    table,
		factory:  factory,
		store:    store,
		status:   NewSynchronizer(store),
		sink:     sink,
		bg:       bg,
		opts:     opts.withDefaults(),
		starting: make(map[session.Key]*startRun),
	}
}

func (d *Driver) claim(key session.Key, run *startRun) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.starting[key]; busy {
		return false
	}
	d.starting[key] = run
	return true
}

func (d *Driver) release(key session.Key, run *startRun) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.starting[key] == run {
		delete(d.starting, key)
	}
}

// abortStart cancels the start loop running for key, if any, and frees the
// key so a later Start can claim it at once.
func (d *Driver) abortStart(key session.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if run, ok := d.starting[key]; ok {
		run.aborted = true
		run.cancel()
		delete(d.starting, key)
	}
}

func (d *Driver) wasAborted(run *startRun) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return run.aborted
}

// Start brings up the session for inst. It is a no-op when the instance has
// no usable key, when its session is already connected or opening, when the
// instance is unpaid or gone, or when another start for the same key is still
// running. Failed attempts are retried after RetryDelay until one succeeds,
// ctx ends, or the key is torn down by Destroy.
func (d *Driver) Start(ctx context.Context, inst *database.Instance, reason string) error {
	key, ok := session.NewKey(inst.ID, inst.Token)
	if !ok {
		log.Printf("[lifecycle] skip start for instance %q: no session key", logutil.SanitizeForLog(inst.ID))
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &startRun{cancel: cancel}
	if !d.claim(key, run) {
		log.Printf("[lifecycle] start for instance %s already running (%s)", inst.ID, reason)
		return nil
	}
	defer d.release(key, run)

	backoff := retry.NewConstant(d.opts.RetryDelay)
	if d.opts.MaxAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(d.opts.MaxAttempts-1), backoff)
	}

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r := reason
		if attempt > 0 {
			r = ReasonError
		}
		attempt++

		h, err := d.startOnce(ctx, key, inst, r)
		switch {
		case errors.Is(err, errStandDown):
			log.Printf("[lifecycle] instance %s is unpaid or removed, not starting (%s)", inst.ID, r)
			return nil
		case err != nil:
			d.dropHandle(ctx, key, h)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[lifecycle] start instance %s (%s, attempt %d) failed: %v", inst.ID, r, attempt, err)
			return retry.RetryableError(err)
		}
		if d.wasAborted(run) {
			d.dropHandle(ctx, key, h)
			return context.Canceled
		}
		return nil
	})
	if err != nil && d.wasAborted(run) {
		log.Printf("[lifecycle] start for instance %s stopped by teardown", inst.ID)
		return nil
	}
	return err
}

// StartAsync submits Start to the background runner and returns at once.
func (d *Driver) StartAsync(inst database.Instance, reason string) {
	d.bg.Submit(fmt.Sprintf("start %s (%s)", inst.ID, reason), func(ctx context.Context) error {
		return d.Start(ctx, &inst, reason)
	})
}

// startOnce runs one start attempt. It returns the handle it registered, if
// any, so a failed attempt can drop exactly that handle.
func (d *Driver) startOnce(ctx context.Context, key session.Key, inst *database.Instance, reason string) (session.Handle, error) {
	if h, ok := d.table.Get(key); ok {
		switch d.stateOf(ctx, h) {
		case session.StateConnected, session.StateOpening:
			log.Printf("[lifecycle] instance %s already up, ignoring %s", inst.ID, reason)
			return nil, nil
		}
	}

	log.Printf("[lifecycle] starting instance %s (%s, token %s)", inst.ID, reason, logutil.Redact(inst.Token))
	marked, err := d.status.Initial(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("mark initial: %w", err)
	}
	if !marked {
		return nil, errStandDown
	}

	ref := &handleRef{}
	h, err := d.factory.New(key, d.hooks(key, *inst, ref))
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	ref.set(h)

	old, err := d.register(ctx, key, h)
	if err != nil {
		if derr := h.Destroy(context.WithoutCancel(ctx)); derr != nil {
			log.Printf("[lifecycle] destroy unregistered session: %v", derr)
		}
		return nil, err
	}
	if old != nil {
		d.destroyHandle(ctx, key, old)
	}

	if err := h.Initialize(ctx); err != nil {
		return h, fmt.Errorf("initialize session: %w", err)
	}
	return h, nil
}

// register puts h under key unless the start was aborted, and returns the
// handle it replaced. Aborts take the same lock, so once abortStart returns
// no further handle from that start reaches the table.
func (d *Driver) register(ctx context.Context, key session.Key, h session.Handle) (session.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	old, _ := d.table.Get(key)
	d.table.Set(key, h)
	return old, nil
}

// dropHandle destroys h if it is still the handle registered under key. A
// handle already removed by Destroy has been torn down there.
func (d *Driver) dropHandle(ctx context.Context, key session.Key, h session.Handle) {
	if h == nil || !d.table.CompareAndRemove(key, h) {
		return
	}
	if err := h.Destroy(context.WithoutCancel(ctx)); err != nil {
		log.Printf("[lifecycle] destroy session: %v", err)
	}
}

// handleRef lets hooks built before the handle exists find out which handle
// they belong to.
type handleRef struct {
	mu sync.Mutex
	h  session.Handle
}

func (r *handleRef) set(h session.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.h = h
}

func (r *handleRef) get() session.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.h
}

// current reports whether ref's handle is still the one registered under key.
func (d *Driver) current(key session.Key, ref *handleRef) bool {
	h := ref.get()
	if h == nil {
		return false
	}
	cur, ok := d.table.Get(key)
	return ok && cur == h
}

// hooks wires one handle's events. Status writes and window-close restarts
// only apply while that handle is the registered one, so a replaced or
// destroyed handle cannot move the persisted status.
func (d *Driver) hooks(key session.Key, inst database.Instance, ref *handleRef) session.Hooks {
	id := inst.ID
	in := newInbox(d, inst)
	return session.Hooks{
		OnQR: func(code string) {
			if d.current(key, ref) {
				d.status.QRIssued(d.bg.Context(), id, code)
			}
		},
		OnAuthenticated: func() {
			if !d.current(key, ref) {
				return
			}
			log.Printf("[lifecycle] instance %s authenticated", id)
			d.status.Authenticated(d.bg.Context(), id)
		},
		OnAuthFailure: func(reason string) {
			log.Printf("[lifecycle] instance %s auth failure: %s", id, logutil.SanitizeForLog(reason))
		},
		OnReady: func() {
			if d.current(key, ref) {
				d.status.Ready(d.bg.Context(), id)
			}
		},
		OnDisconnected: func(reason string) {
			if !d.current(key, ref) {
				log.Printf("[lifecycle] ignoring disconnect from replaced session of instance %s", id)
				return
			}
			log.Printf("[lifecycle] instance %s disconnected: %s", id, logutil.SanitizeForLog(reason))
			d.status.Disconnected(d.bg.Context(), id)
		},
		OnMessage: in.push,
		OnWindowClose: func() {
			if !d.current(key, ref) {
				return
			}
			log.Printf("[lifecycle] instance %s window closed, restarting", id)
			d.StartAsync(inst, ReasonWindowClose)
		},
	}
}

// deliver forwards msg only while the instance still resolves for its owner.
func (d *Driver) deliver(ctx context.Context, inst database.Instance, msg session.Incoming) error {
	current, err := d.store.FindByIDAndUserID(ctx, inst.ID, inst.UserID, false)
	if err != nil {
		return fmt.Errorf("resolve instance %s: %w", inst.ID, err)
	}
	if current == nil {
		log.Printf("[lifecycle] dropping message for removed instance %s", inst.ID)
		return nil
	}
	if d.sink == nil {
		return nil
	}
	return d.sink.HandleIncoming(ctx, current, msg)
}

// Restart tears down the instance's session. It does not start a new one;
// callers that want the session back schedule a Start themselves.
func (d *Driver) Restart(ctx context.Context, inst *database.Instance) {
	d.DestroyInstance(ctx, inst)
}

// DestroyInstance is Destroy for an instance.
func (d *Driver) DestroyInstance(ctx context.Context, inst *database.Instance) {
	key, ok := session.NewKey(inst.ID, inst.Token)
	if !ok {
		return
	}
	d.Destroy(ctx, key)
}

// Destroy stops any start still running for key and tears down the session
// under it, if any. Teardown errors are logged and the handle is dropped
// regardless.
func (d *Driver) Destroy(ctx context.Context, key session.Key) {
	d.abortStart(key)
	if h, ok := d.table.Get(key); ok {
		d.destroyHandle(ctx, key, h)
	}
}

func (d *Driver) destroyHandle(ctx context.Context, key session.Key, h session.Handle) {
	d.table.CompareAndRemove(key, h)
	if err := h.Destroy(ctx); err != nil {
		log.Printf("[lifecycle] destroy session: %v", err)
	}
}

// Status reports the runtime state under key. It never fails: a missing or
// unreadable session is StateUnknown, and a session that has been opened but
// reports no state yet is StateOpening.
func (d *Driver) Status(ctx context.Context, key session.Key) session.RuntimeState {
	h, ok := d.table.Get(key)
	if !ok {
		return session.StateUnknown
	}
	return d.stateOf(ctx, h)
}

// StatusFor is Status for an instance.
func (d *Driver) StatusFor(ctx context.Context, inst *database.Instance) session.RuntimeState {
	key, ok := session.NewKey(inst.ID, inst.Token)
	if !ok {
		return session.StateUnknown
	}
	return d.Status(ctx, key)
}

func (d *Driver) stateOf(ctx context.Context, h session.Handle) session.RuntimeState {
	ctx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()

	st, err := h.State(ctx)
	if err != nil {
		return session.StateUnknown
	}
	if st == "" {
		if h.Opened() {
			return session.StateOpening
		}
		return session.StateUnknown
	}
	return st
}

// WaitStatus polls until the session reaches want or the attempts run out,
// and returns the last state seen.
func (d *Driver) WaitStatus(ctx context.Context, key session.Key, want session.RuntimeState) (session.RuntimeState, bool) {
	var st session.RuntimeState
	for i := 0; i < d.opts.WaitAttempts; i++ {
		st = d.Status(ctx, key)
		if st == want {
			return st, true
		}
		select {
		case <-ctx.Done():
			return st, false
		case <-time.After(d.opts.WaitInterval):
		}
	}
	return st, false
}

// Logout marks the instance pending and then asks the session to log out.
// Logout failures are logged only.
func (d *Driver) Logout(ctx context.Context, inst *database.Instance) {
	if err := d.store.UpdateStatus(ctx, inst.ID, database.StatusPending); err != nil {
		log.Printf("[lifecycle] set instance %s pending: %v", inst.ID, err)
	}
	key, ok := session.NewKey(inst.ID, inst.Token)
	if !ok {
		return
	}
	h, ok := d.table.Get(key)
	if !ok {
		return
	}
	if err := h.Logout(ctx); err != nil {
		log.Printf("[lifecycle] logout instance %s: %v", inst.ID, err)
	}
}

// Send delivers msg through the instance's live session and records it in
// the message log. Failures are logged and returned so callers can report
// whether the message went out.
func (d *Driver) Send(ctx context.Context, inst *database.Instance, msg session.Outgoing) error {
	err := d.send(ctx, inst, msg)
	if err != nil {
		log.Printf("[lifecycle] send for instance %s: %v", inst.ID, err)
	}

	rec := &database.Message{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Direction:  database.DirectionOut,
		Peer:       msg.To,
		Body:       msg.Body,
		Filename:   msg.Filename,
		MimeType:   msg.MimeType,
		Queued:     err == nil,
	}
	if rerr := d.store.RecordMessage(ctx, rec); rerr != nil {
		log.Printf("[lifecycle] record outgoing message for %s: %v", inst.ID, rerr)
	}
	return err
}

func (d *Driver) send(ctx context.Context, inst *database.Instance, msg session.Outgoing) error {
	key, ok := session.NewKey(inst.ID, inst.Token)
	if !ok {
		return ErrNoSession
	}
	h, ok := d.table.Get(key)
	if !ok {
		return ErrNoSession
	}
	return h.Send(ctx, msg)
}

// ResumeAll schedules a start for every instance that should be running. It
// is called once at boot since the session table starts empty.
func (d *Driver) ResumeAll(ctx context.Context) (int, error) {
	list, err := d.store.ListResumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable instances: %w", err)
	}
	for _, inst := range list {
		d.StartAsync(inst, ReasonResume)
	}
	return len(list), nil
}

// Sessions returns the number of live handles.
func (d *Driver) Sessions() int {
	return d.table.Len()
}
