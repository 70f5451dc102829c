package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/session"
)

// --- fakes ---

type fakeHandle struct {
	mu         sync.Mutex
	hooks      session.Hooks
	state      session.RuntimeState
	stateErr   error
	opened     bool
	initErr    error
	initBlock  chan struct{}
	destroyed  int
	destroyErr error
	logouts    int
	logoutErr  error
	sent       []session.Outgoing
}

func (h *fakeHandle) Initialize(ctx context.Context) error {
	h.mu.Lock()
	h.opened = true
	block := h.initBlock
	err := h.initErr
	h.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (h *fakeHandle) State(context.Context) (session.RuntimeState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.stateErr
}

func (h *fakeHandle) Opened() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened && h.destroyed == 0
}

func (h *fakeHandle) Destroy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return h.destroyErr
}

func (h *fakeHandle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
	return h.logoutErr
}

func (h *fakeHandle) Send(_ context.Context, msg session.Outgoing) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) destroyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

type fakeFactory struct {
	mu      sync.Mutex
	made    []*fakeHandle
	configs []func(*fakeHandle)
	newErr  error
}

func (f *fakeFactory) New(_ session.Key, hooks session.Hooks) (session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	h := &fakeHandle{hooks: hooks}
	if n := len(f.made); n < len(f.configs) && f.configs[n] != nil {
		f.configs[n](h)
	}
	f.made = append(f.made, h)
	return h, nil
}

func (f *fakeFactory) handles() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.made...)
}

type fakeStore struct {
	mu        sync.Mutex
	instances map[string]*database.Instance
	statuses  []string
	messages  []database.Message
	failInit  int
}

func newFakeStore(insts ...*database.Instance) *fakeStore {
	s := &fakeStore{instances: make(map[string]*database.Instance)}
	for _, i := range insts {
		s.instances[i.ID] = i
	}
	return s
}

func (s *fakeStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if inst, ok := s.instances[id]; ok {
		inst.Status = status
		if status == database.StatusInitial {
			now := time.Now()
			inst.InitialDate = &now
		}
	}
	return nil
}

func (s *fakeStore) MarkInitial(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInit > 0 {
		s.failInit--
		return false, errors.New("database is locked")
	}
	inst, ok := s.instances[id]
	if !ok || inst.Status == database.StatusUnpayment {
		return false, nil
	}
	s.statuses = append(s.statuses, database.StatusInitial)
	now := time.Now()
	inst.Status = database.StatusInitial
	inst.InitialDate = &now
	return true, nil
}

func (s *fakeStore) UpdateQR(_ context.Context, id, qr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Status = database.StatusPending
		inst.QR = qr
	}
	return nil
}

func (s *fakeStore) FindByIDAndUserID(_ context.Context, id string, userID uint, admin bool) (*database.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok || (!admin && inst.UserID != userID) {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *fakeStore) ListResumable(context.Context) ([]database.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Instance
	for _, inst := range s.instances {
		if inst.Status != database.StatusUnpayment {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordMessage(_ context.Context, m *database.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) instance(id string) database.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.instances[id]
}

func (s *fakeStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

type fakeSink struct {
	mu   sync.Mutex
	got  []session.Incoming
	done chan struct{}
}

func (s *fakeSink) HandleIncoming(_ context.Context, _ *database.Instance, msg session.Incoming) error {
	s.mu.Lock()
	s.got = append(s.got, msg)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return nil
}

// --- helpers ---

func testInstance() *database.Instance {
	return &database.Instance{ID: "I1", Token: "T1", UserID: 7, Status: database.StatusPending}
}

type harness struct {
	driver  *Driver
	table   *session.Table
	factory *fakeFactory
	store   *fakeStore
	sink    *fakeSink
	bg      *Background
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Millisecond
	}
	if opts.WaitInterval == 0 {
		opts.WaitInterval = time.Millisecond
	}
	h := &harness{
		table:   session.NewTable(),
		factory: &fakeFactory{},
		store:   newFakeStore(testInstance()),
		sink:    &fakeSink{},
		bg:      NewBackground(context.Background()),
	}
	h.driver = NewDriver(h.table, h.factory, h.store, h.sink, h.bg, opts)
	t.Cleanup(func() { h.bg.Shutdown(time.Second) })
	return h
}

func (h *harness) key() session.Key {
	k, _ := session.NewKey("I1", "T1")
	return k
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tests ---

func TestStartRegistersHandle(t *testing.T) {
	h := newHarness(t, Options{})

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.table.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", h.table.Len())
	}
	inst := h.store.instance("I1")
	if inst.Status != database.StatusInitial {
		t.Errorf("expected status initial, got %q", inst.Status)
	}
	if inst.InitialDate == nil {
		t.Error("expected initial_date to be stamped")
	}
	if got := h.driver.Status(context.Background(), h.key()); got != session.StateOpening {
		t.Errorf("expected OPENING before the session reports a state, got %q", got)
	}
}

func TestStartWithoutKeyIsNoop(t *testing.T) {
	h := newHarness(t, Options{})

	inst := testInstance()
	inst.Token = ""
	if err := h.driver.Start(context.Background(), inst, ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.factory.handles()) != 0 || h.table.Len() != 0 {
		t.Error("expected no session for an instance without a token")
	}
	if len(h.store.statuses) != 0 {
		t.Errorf("expected no status writes, got %v", h.store.statuses)
	}
}

func TestStartIsIdempotentWhenConnectedOrOpening(t *testing.T) {
	for _, state := range []session.RuntimeState{session.StateConnected, ""} {
		h := newHarness(t, Options{})
		existing := &fakeHandle{state: state, opened: true}
		h.table.Set(h.key(), existing)

		if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
			t.Fatalf("start: %v", err)
		}
		if len(h.factory.handles()) != 0 {
			t.Errorf("state %q: expected no new handle", state)
		}
		if got, _ := h.table.Get(h.key()); got != existing {
			t.Errorf("state %q: expected existing handle to stay registered", state)
		}
		if existing.destroyCount() != 0 {
			t.Errorf("state %q: expected existing handle untouched", state)
		}
	}
}

func TestStartReplacesStaleHandle(t *testing.T) {
	h := newHarness(t, Options{})
	stale := &fakeHandle{state: session.StateUnpaired}
	h.table.Set(h.key(), stale)

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if stale.destroyCount() != 1 {
		t.Errorf("expected stale handle destroyed once, got %d", stale.destroyCount())
	}
	got, _ := h.table.Get(h.key())
	if got == stale || got == nil {
		t.Error("expected a new handle under the key")
	}
	if h.table.Len() != 1 {
		t.Errorf("expected exactly one handle, got %d", h.table.Len())
	}
}

func TestStartRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) { fh.initErr = errors.New("browser crashed") },
		func(fh *fakeHandle) { fh.initErr = errors.New("browser crashed again") },
	}

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	made := h.factory.handles()
	if len(made) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(made))
	}
	for i, fh := range made[:2] {
		if fh.destroyCount() == 0 {
			t.Errorf("expected failed handle %d to be destroyed", i)
		}
	}
	if got, _ := h.table.Get(h.key()); got != made[2] {
		t.Error("expected the successful handle to be registered")
	}
}

func TestStartRetriesStoreFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.failInit = 1

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.factory.handles()) != 1 {
		t.Errorf("expected one handle after the store recovered, got %d", len(h.factory.handles()))
	}
}

func TestStartGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 3})
	h.factory.newErr = errors.New("no browser backend")

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err == nil {
		t.Fatal("expected start to give up")
	}
	if h.table.Len() != 0 {
		t.Errorf("expected no session left behind, got %d", h.table.Len())
	}
}

func TestStartStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: time.Hour})
	h.factory.newErr = errors.New("no browser backend")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.driver.Start(ctx, testInstance(), ReasonStart) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected start loop to stop on cancel")
	}
}

func TestConcurrentStartKeepsOneHandle(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) { fh.initBlock = release },
	}

	first := make(chan error, 1)
	go func() { first <- h.driver.Start(context.Background(), testInstance(), ReasonStart) }()
	waitFor(t, "first handle", func() bool { return len(h.factory.handles()) == 1 })

	if err := h.driver.Start(context.Background(), testInstance(), ReasonPayment); err != nil {
		t.Fatalf("second start: %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first start: %v", err)
	}

	if n := len(h.factory.handles()); n != 1 {
		t.Errorf("expected 1 handle created, got %d", n)
	}
	if h.table.Len() != 1 {
		t.Errorf("expected 1 session, got %d", h.table.Len())
	}
}

func TestStartStandsDownForUnpaidOrRemovedInstance(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.instances["I1"].Status = database.StatusUnpayment

	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.factory.handles()) != 0 {
		t.Errorf("expected no session for an unpaid instance, got %d", len(h.factory.handles()))
	}
	if got := h.store.instance("I1").Status; got != database.StatusUnpayment {
		t.Errorf("expected unpayment untouched, got %q", got)
	}

	h.store.remove("I1")
	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.factory.handles()) != 0 {
		t.Error("expected no session for a removed instance")
	}
}

func TestDestroyStopsInFlightStart(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) {
			fh.initBlock = release
			fh.initErr = errors.New("connection closed")
		},
	}

	done := make(chan error, 1)
	go func() { done <- h.driver.Start(context.Background(), testInstance(), ReasonPayment) }()
	waitFor(t, "first handle", func() bool { return len(h.factory.handles()) == 1 })

	// Same order as a billing cancellation: mark unpaid, then tear down.
	h.store.UpdateStatus(context.Background(), "I1", database.StatusUnpayment)
	h.driver.DestroyInstance(context.Background(), testInstance())
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected aborted start to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected start loop to stop after destroy")
	}
	time.Sleep(20 * time.Millisecond)

	if got := h.store.instance("I1").Status; got != database.StatusUnpayment {
		t.Errorf("expected status unpayment, got %q", got)
	}
	if h.table.Len() != 0 {
		t.Errorf("expected no live session, got %d", h.table.Len())
	}
	if n := len(h.factory.handles()); n != 1 {
		t.Errorf("expected 1 handle created, got %d", n)
	}
	if d := h.factory.handles()[0].destroyCount(); d != 1 {
		t.Errorf("expected the in-flight handle destroyed once, got %d", d)
	}
}

func TestRetryStopsOnceInstanceIsUnpaid(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 20 * time.Millisecond})
	release := make(chan struct{})
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) {
			fh.initBlock = release
			fh.initErr = errors.New("browser crashed")
		},
	}

	done := make(chan error, 1)
	go func() { done <- h.driver.Start(context.Background(), testInstance(), ReasonStart) }()
	waitFor(t, "first handle", func() bool { return len(h.factory.handles()) == 1 })

	h.store.UpdateStatus(context.Background(), "I1", database.StatusUnpayment)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}

	if n := len(h.factory.handles()); n != 1 {
		t.Errorf("expected no retry for an unpaid instance, got %d handles", n)
	}
	if got := h.store.instance("I1").Status; got != database.StatusUnpayment {
		t.Errorf("expected status unpayment, got %q", got)
	}
	if h.table.Len() != 0 {
		t.Errorf("expected failed handle dropped, got %d", h.table.Len())
	}
}

func TestStartAfterDestroyDoesNotWaitForAbortedLoop(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	defer close(release)
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) { fh.initBlock = release },
	}

	go h.driver.Start(context.Background(), testInstance(), ReasonStart)
	waitFor(t, "first handle", func() bool { return len(h.factory.handles()) == 1 })

	h.driver.Restart(context.Background(), testInstance())
	if err := h.driver.Start(context.Background(), testInstance(), ReasonRestart); err != nil {
		t.Fatalf("restart: %v", err)
	}
	made := h.factory.handles()
	if len(made) != 2 {
		t.Fatalf("expected a fresh handle, got %d", len(made))
	}
	time.Sleep(20 * time.Millisecond)
	if got, _ := h.table.Get(h.key()); got != made[1] {
		t.Error("expected the new handle to stay registered")
	}
	if made[1].destroyCount() != 0 {
		t.Error("expected the aborted loop to leave the new handle alone")
	}
}

func TestReplacedHandleEventsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.factory.configs = []func(*fakeHandle){
		func(fh *fakeHandle) { fh.state = session.StateUnpaired },
	}
	ctx := context.Background()
	if err := h.driver.Start(ctx, testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.driver.Start(ctx, testInstance(), ReasonStart); err != nil {
		t.Fatalf("second start: %v", err)
	}
	made := h.factory.handles()
	if len(made) != 2 {
		t.Fatalf("expected the stale handle replaced, got %d handles", len(made))
	}

	stale := made[0].hooks
	stale.Disconnected("replaced")
	stale.QR("2@stale")
	stale.Ready()
	if got := h.store.instance("I1"); got.Status != database.StatusInitial || got.QR != "" {
		t.Errorf("expected initial untouched by the replaced session, got %q %q", got.Status, got.QR)
	}

	stale.WindowClose()
	h.bg.Wait()
	if n := len(h.factory.handles()); n != 2 {
		t.Errorf("expected no restart from the replaced session, got %d handles", n)
	}

	made[1].hooks.Ready()
	if got := h.store.instance("I1").Status; got != database.StatusConnected {
		t.Errorf("expected the live session to update status, got %q", got)
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	hooks := h.factory.handles()[0].hooks

	const n = 50
	for i := 0; i < n; i++ {
		hooks.Message(session.Incoming{ID: strconv.Itoa(i)})
	}
	h.bg.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(h.sink.got))
	}
	for i, m := range h.sink.got {
		if m.ID != strconv.Itoa(i) {
			t.Fatalf("expected message %d at position %d, got %s", i, i, m.ID)
		}
	}
}

func TestHooksUpdatePersistedStatus(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	hooks := h.factory.handles()[0].hooks

	hooks.QR("2@code")
	inst := h.store.instance("I1")
	if inst.Status != database.StatusPending || inst.QR != "2@code" {
		t.Errorf("after qr: expected pending with code, got %q %q", inst.Status, inst.QR)
	}

	hooks.Authenticated()
	if got := h.store.instance("I1").Status; got != database.StatusAuthenticated {
		t.Errorf("after authenticated: expected authenticated, got %q", got)
	}

	hooks.Ready()
	if got := h.store.instance("I1").Status; got != database.StatusConnected {
		t.Errorf("after ready: expected connected, got %q", got)
	}

	hooks.Disconnected("NAVIGATION")
	if got := h.store.instance("I1").Status; got != database.StatusPending {
		t.Errorf("after disconnected: expected pending, got %q", got)
	}

	hooks.AuthFailure("bad session")
	if got := h.store.instance("I1").Status; got != database.StatusPending {
		t.Errorf("auth failure should not change status, got %q", got)
	}
}

func TestMessageHookForwardsOnlyForLiveInstance(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.done = make(chan struct{}, 1)
	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	hooks := h.factory.handles()[0].hooks

	hooks.Message(session.Incoming{ID: "m1", From: "5511@c.us", Body: "hi"})
	select {
	case <-h.sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected message forwarded")
	}

	h.store.remove("I1")
	hooks.Message(session.Incoming{ID: "m2", Body: "orphan"})
	h.bg.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.got) != 1 || h.sink.got[0].ID != "m1" {
		t.Errorf("expected only m1 forwarded, got %+v", h.sink.got)
	}
}

func TestWindowCloseStartsFreshSession(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.driver.Start(context.Background(), testInstance(), ReasonStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := h.factory.handles()[0]
	first.mu.Lock()
	first.stateErr = errors.New("target closed")
	first.mu.Unlock()

	first.hooks.WindowClose()
	waitFor(t, "replacement handle", func() bool { return len(h.factory.handles()) == 2 })
	h.bg.Wait()

	if first.destroyCount() != 1 {
		t.Errorf("expected closed handle destroyed, got %d", first.destroyCount())
	}
	if got, _ := h.table.Get(h.key()); got != h.factory.handles()[1] {
		t.Error("expected replacement handle registered")
	}
}

func TestStatusNeverFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if got := h.driver.Status(ctx, h.key()); got != session.StateUnknown {
		t.Errorf("expected UNKNOWN without a session, got %q", got)
	}

	h.table.Set(h.key(), &fakeHandle{stateErr: errors.New("page crashed"), opened: true})
	if got := h.driver.Status(ctx, h.key()); got != session.StateUnknown {
		t.Errorf("expected UNKNOWN on state error, got %q", got)
	}

	h.table.Set(h.key(), &fakeHandle{})
	if got := h.driver.Status(ctx, h.key()); got != session.StateUnknown {
		t.Errorf("expected UNKNOWN for an unopened handle, got %q", got)
	}

	h.table.Set(h.key(), &fakeHandle{state: session.StateConnected, opened: true})
	if got := h.driver.StatusFor(ctx, testInstance()); got != session.StateConnected {
		t.Errorf("expected CONNECTED, got %q", got)
	}

	bad := testInstance()
	bad.Token = ""
	if got := h.driver.StatusFor(ctx, bad); got != session.StateUnknown {
		t.Errorf("expected UNKNOWN without key, got %q", got)
	}
}

func TestDestroySwallowsErrors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.driver.Destroy(ctx, h.key())

	fh := &fakeHandle{destroyErr: errors.New("already gone")}
	h.table.Set(h.key(), fh)
	h.driver.Destroy(ctx, h.key())
	if h.table.Len() != 0 {
		t.Error("expected handle removed even when destroy fails")
	}
	if fh.destroyCount() != 1 {
		t.Errorf("expected one destroy call, got %d", fh.destroyCount())
	}
}

func TestRestartOnlyDestroys(t *testing.T) {
	h := newHarness(t, Options{})
	fh := &fakeHandle{state: session.StateConnected, opened: true}
	h.table.Set(h.key(), fh)

	h.driver.Restart(context.Background(), testInstance())
	if fh.destroyCount() != 1 {
		t.Errorf("expected destroy, got %d", fh.destroyCount())
	}
	if h.table.Len() != 0 || len(h.factory.handles()) != 0 {
		t.Error("expected restart not to start a new session by itself")
	}
}

func TestLogoutWithoutSessionSetsPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.instances["I1"].Status = database.StatusConnected

	h.driver.Logout(context.Background(), testInstance())
	if got := h.store.instance("I1").Status; got != database.StatusPending {
		t.Errorf("expected pending, got %q", got)
	}
}

func TestLogoutSwallowsHandleError(t *testing.T) {
	h := newHarness(t, Options{})
	fh := &fakeHandle{logoutErr: errors.New("not logged in")}
	h.table.Set(h.key(), fh)

	h.driver.Logout(context.Background(), testInstance())
	if fh.logouts != 1 {
		t.Errorf("expected one logout call, got %d", fh.logouts)
	}
	if got := h.store.instance("I1").Status; got != database.StatusPending {
		t.Errorf("expected pending, got %q", got)
	}
}

func TestWaitStatus(t *testing.T) {
	h := newHarness(t, Options{WaitAttempts: 5})
	fh := &fakeHandle{state: session.StatePairing, opened: true}
	h.table.Set(h.key(), fh)

	if st, ok := h.driver.WaitStatus(context.Background(), h.key(), session.StateConnected); ok || st != session.StatePairing {
		t.Errorf("expected timeout in PAIRING, got %q %v", st, ok)
	}

	fh.mu.Lock()
	fh.state = session.StateConnected
	fh.mu.Unlock()
	if st, ok := h.driver.WaitStatus(context.Background(), h.key(), session.StateConnected); !ok || st != session.StateConnected {
		t.Errorf("expected CONNECTED, got %q %v", st, ok)
	}
}

func TestSendRecordsMessage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	err := h.driver.Send(ctx, testInstance(), session.Outgoing{To: "5511", Body: "hi"})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}

	fh := &fakeHandle{state: session.StateConnected, opened: true}
	h.table.Set(h.key(), fh)
	if err := h.driver.Send(ctx, testInstance(), session.Outgoing{To: "5511", Body: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fh.sent) != 1 {
		t.Errorf("expected one message sent, got %d", len(fh.sent))
	}

	if len(h.store.messages) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(h.store.messages))
	}
	if h.store.messages[0].Queued || !h.store.messages[1].Queued {
		t.Errorf("expected only the second message queued, got %+v", h.store.messages)
	}
	if h.store.messages[1].Direction != database.DirectionOut {
		t.Errorf("expected outgoing direction, got %q", h.store.messages[1].Direction)
	}
}

func TestResumeAll(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.instances["I2"] = &database.Instance{ID: "I2", Token: "T2", Status: database.StatusUnpayment}
	h.store.instances["I3"] = &database.Instance{ID: "I3", Token: "T3", Status: database.StatusConnected}

	n, err := h.driver.ResumeAll(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 resumable instances, got %d", n)
	}
	h.bg.Wait()
	if h.driver.Sessions() != 2 {
		t.Errorf("expected 2 sessions, got %d", h.driver.Sessions())
	}
}

func TestBackgroundRecoversPanics(t *testing.T) {
	bg := NewBackground(context.Background())
	ran := make(chan struct{})
	bg.Submit("boom", func(context.Context) error { panic("boom") })
	bg.Submit("ok", func(context.Context) error { close(ran); return nil })
	<-ran
	if !bg.Shutdown(time.Second) {
		t.Error("expected shutdown to finish")
	}
	if bg.Submit("late", func(context.Context) error { return nil }) {
		t.Error("expected submit after shutdown to be refused")
	}
}

func TestBackgroundShutdownCancelsTasks(t *testing.T) {
	bg := NewBackground(context.Background())
	bg.Submit("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !bg.Shutdown(time.Second) {
		t.Error("expected cancelled task to return before timeout")
	}
}
