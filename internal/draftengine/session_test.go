package draftengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// manualTimers collects every timer the session arms so tests fire them by
// hand instead of sleeping.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) factory(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// fireLast fires the most recently armed live timer.
func (m *manualTimers) fireLast(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	var target *manualTimer
	for i := len(m.timers) - 1; i >= 0; i-- {
		if !m.timers[i].stopped {
			target = m.timers[i]
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		t.Fatal("no live timer to fire")
	}
	target.stopped = true
	target.fn()
}

func (m *manualTimers) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			n++
		}
	}
	return n
}

type fakeLocalStore struct {
	mu      sync.Mutex
	items   map[string][]byte
	sets    int
	removes int
	setErr  error
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{items: map[string][]byte{}}
}

func (s *fakeLocalStore) SetItem(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.items[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeLocalStore) GetItem(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeLocalStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	delete(s.items, key)
	return nil
}

func (s *fakeLocalStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type fakeDraftAPI struct {
	mu         sync.Mutex
	records    map[DraftKey]RemoteDraftRecord
	upserts    int
	deletes    int
	upsertErr  error
	fetchErr   error
	deleteErr  error
	upsertGate chan struct{}
}

func newFakeDraftAPI() *fakeDraftAPI {
	return &fakeDraftAPI{records: map[DraftKey]RemoteDraftRecord{}}
}

func (a *fakeDraftAPI) Upsert(ctx context.Context, rec RemoteDraftRecord) error {
	a.mu.Lock()
	a.upserts++
	gate := a.upsertGate
	upsertErr := a.upsertErr
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if upsertErr != nil {
		return upsertErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.DraftKey] = rec
	return nil
}

func (a *fakeDraftAPI) Fetch(ctx context.Context, key DraftKey) (*RemoteDraftRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	rec, ok := a.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (a *fakeDraftAPI) Delete(ctx context.Context, key DraftKey) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes++
	if a.deleteErr != nil {
		return a.deleteErr
	}
	delete(a.records, key)
	return nil
}

func (a *fakeDraftAPI) upsertCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upserts
}

func (a *fakeDraftAPI) deleteCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deletes
}

type sessionFixture struct {
	session *Session
	clock   *fakeClock
	timers  *manualTimers
	local   *fakeLocalStore
	remote  *fakeDraftAPI
}

func newSessionFixture(t *testing.T, mutate func(*Options)) *sessionFixture {
	t.Helper()
	clock := newFakeClock()
	timers := &manualTimers{}
	local := newFakeLocalStore()
	remote := newFakeDraftAPI()
	opts := Options{
		DocumentID:      "doc-7",
		RelatedEntityID: "case-12",
		DocumentVariant: "summary",
		Local:           local,
		Remote:          remote,
		Now:             clock.Now,
		NewTimer:        timers.factory,
	}
	if mutate != nil {
		mutate(&opts)
	}
	session, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)
	return &sessionFixture{session: session, clock: clock, timers: timers, local: local, remote: remote}
}

// typeAndFlush simulates a keystroke followed by the debounce window
// elapsing.
func (f *sessionFixture) typeAndFlush(t *testing.T, snap Snapshot) {
	t.Helper()
	f.session.MarkDirty()
	f.session.ScheduleLocalSave(snap)
	f.clock.Advance(defaultDebounceDelay)
	f.timers.fireLast(t)
}

func TestNewSessionRequiresLocalStore(t *testing.T) {
	_, err := NewSession(Options{})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func TestDebounceLastWriteWins(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.session.MarkDirty()
	f.session.ScheduleLocalSave(Snapshot{"title": "first"})
	f.session.ScheduleLocalSave(Snapshot{"title": "second"})
	f.session.ScheduleLocalSave(Snapshot{"title": "third"})
	f.timers.fireLast(t)

	if got := f.local.setCount(); got != 1 {
		t.Fatalf("expected a single cache write, got %d", got)
	}
	record := mustReadLocalRecord(t, f.local, f.session.Key())
	if record.Payload["title"] != "third" {
		t.Fatalf("expected last snapshot to win, got %v", record.Payload["title"])
	}
	if record.DocumentVariant != "summary" {
		t.Fatalf("unexpected variant %q", record.DocumentVariant)
	}
}

func TestLocalSaveFailureDoesNotInterrupt(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.local.setErr = errors.New("quota exceeded")

	f.typeAndFlush(t, Snapshot{"title": "unsaved"})

	if !f.session.Dirty() {
		t.Fatal("session should stay dirty after a failed cache write")
	}
	if !f.session.Status().LocalSavedAt.IsZero() {
		t.Fatal("LocalSavedAt must not advance on failure")
	}
}

func TestRemoteFlushWaitsFullInterval(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.typeAndFlush(t, Snapshot{"title": "early"})
	if got := f.remote.upsertCount(); got != 0 {
		t.Fatalf("no remote flush expected before the interval elapses, got %d", got)
	}

	f.clock.Advance(defaultRemoteInterval)
	f.typeAndFlush(t, Snapshot{"title": "later"})
	waitFor(t, func() bool { return f.remote.upsertCount() == 1 })

	rec, err := f.remote.Fetch(context.Background(), f.session.Key())
	if err != nil || rec == nil {
		t.Fatalf("expected remote record, got %v / %v", rec, err)
	}
	if rec.Payload["title"] != "later" {
		t.Fatalf("unexpected remote payload %v", rec.Payload)
	}
	if rec.DocumentID != "doc-7" || rec.RelatedEntityID != "case-12" {
		t.Fatalf("remote record missing identity fields: %+v", rec)
	}
}

func TestRemoteIntervalWidensWithPendingAsset(t *testing.T) {
	f := newSessionFixture(t, func(o *Options) {
		o.Schema = NewSchema("coverImage")
	})

	snap := Snapshot{
		"title":      "illustrated",
		"coverImage": "data:image/png;base64,aGVsbG8=",
	}
	f.clock.Advance(defaultRemoteInterval)
	f.typeAndFlush(t, snap)
	if got := f.remote.upsertCount(); got != 0 {
		t.Fatalf("pending asset should widen the interval, got %d flushes", got)
	}

	f.clock.Advance(defaultRemoteAssetInterval - defaultRemoteInterval)
	f.typeAndFlush(t, snap)
	waitFor(t, func() bool { return f.remote.upsertCount() == 1 })

	rec, _ := f.remote.Fetch(context.Background(), f.session.Key())
	if rec.Payload["coverImage"] != "" {
		t.Fatalf("flushed payload must be sanitized, got %v", rec.Payload["coverImage"])
	}
}

func TestRemoteFlushFailureRetriesNextTick(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.remote.upsertErr = errors.New("gateway timeout")

	f.clock.Advance(defaultRemoteInterval)
	f.typeAndFlush(t, Snapshot{"title": "v1"})
	waitFor(t, func() bool { return f.remote.upsertCount() == 1 })

	if !f.session.Status().RemoteSavedAt.IsZero() {
		t.Fatal("RemoteSavedAt must not advance on failure")
	}

	f.remote.mu.Lock()
	f.remote.upsertErr = nil
	f.remote.mu.Unlock()

	// lastRemoteFlush never advanced, so the next debounce flushes again.
	f.typeAndFlush(t, Snapshot{"title": "v2"})
	waitFor(t, func() bool { return f.remote.upsertCount() == 2 })
	if f.session.Status().RemoteSavedAt.IsZero() {
		t.Fatal("RemoteSavedAt should advance on success")
	}
}

func TestCleanSessionNeverFlushesRemote(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.session.ScheduleLocalSave(Snapshot{"title": "untouched"})
	f.clock.Advance(10 * defaultRemoteInterval)
	f.timers.fireLast(t)

	if got := f.remote.upsertCount(); got != 0 {
		t.Fatalf("clean session must not write remotely, got %d", got)
	}
}

func TestCloseStopsPendingTimers(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.Start()
	f.session.MarkDirty()
	f.session.ScheduleLocalSave(Snapshot{"title": "doomed"})

	f.session.Close()
	if got := f.timers.liveCount(); got != 0 {
		t.Fatalf("expected all timers stopped after Close, got %d live", got)
	}
	if f.local.setCount() != 0 {
		t.Fatal("closed session must not write")
	}
}

func TestIntervalTimerFlushesIdleDirtySession(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.Start()

	f.typeAndFlush(t, Snapshot{"title": "typed once"})
	if got := f.remote.upsertCount(); got != 0 {
		t.Fatalf("unexpected early flush: %d", got)
	}

	// The user stops typing; the background interval picks up the slack.
	f.clock.Advance(defaultRemoteInterval)
	f.timers.fireLast(t)
	waitFor(t, func() bool { return f.remote.upsertCount() == 1 })
}

func TestUnloadGuardTracksDirty(t *testing.T) {
	f := newSessionFixture(t, nil)
	if f.session.UnloadGuard() {
		t.Fatal("clean session must not warn on unload")
	}
	f.session.MarkDirty()
	if !f.session.UnloadGuard() {
		t.Fatal("dirty session must warn on unload")
	}
}

func TestSeparateSessionsDoNotShareState(t *testing.T) {
	a := newSessionFixture(t, nil)
	b := newSessionFixture(t, func(o *Options) {
		o.DocumentID = "doc-8"
	})

	a.session.MarkDirty()
	if b.session.Dirty() {
		t.Fatal("dirty flag leaked across sessions")
	}
	if a.session.Key() == b.session.Key() {
		t.Fatal("distinct documents must derive distinct keys")
	}
}

func mustReadLocalRecord(t *testing.T, store *fakeLocalStore, key DraftKey) LocalDraftRecord {
	t.Helper()
	data, err := store.GetItem(string(key))
	if err != nil || len(data) == 0 {
		t.Fatalf("no local record for %s: %v", key, err)
	}
	var record LocalDraftRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal local record: %v", err)
	}
	return record
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
