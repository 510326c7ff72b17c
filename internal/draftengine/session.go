package draftengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrCommitInFlight = errors.New("commit in flight")
	ErrSessionClosed  = errors.New("session closed")
	ErrInvalidOptions = errors.New("invalid session options")
)

// LocalStore is the fast, client-local key/value store backing the local
// draft cache. Writes may fail on quota; the session logs and carries on.
type LocalStore interface {
	SetItem(key string, data []byte) error
	GetItem(key string) ([]byte, error)
	RemoveItem(key string) error
}

// DraftAPI is the durable remote draft store. Fetch returns (nil, nil) when
// no record exists. Implementations without a credential no-op instead of
// failing.
type DraftAPI interface {
	Upsert(ctx context.Context, rec RemoteDraftRecord) error
	Fetch(ctx context.Context, key DraftKey) (*RemoteDraftRecord, error)
	Delete(ctx context.Context, key DraftKey) error
}

// DocumentRecord is the canonical committed form of the document.
type DocumentRecord map[string]any

// DocumentStore is the authoritative document collaborator, consumed only by
// the commit path.
type DocumentStore interface {
	Create(ctx context.Context, doc DocumentRecord) (string, error)
	Update(ctx context.Context, id string, doc DocumentRecord) error
	Get(ctx context.Context, id string) (DocumentRecord, error)
}

// AssetUploader turns an inline binary payload into a durable reference.
// Invoked only from the commit path.
type AssetUploader interface {
	Upload(ctx context.Context, payload []byte, path string) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// LocalDraftRecord is the cache-side draft envelope, addressed by DraftKey.
type LocalDraftRecord struct {
	UpdatedAt       time.Time `json:"updatedAt"`
	DocumentVariant string    `json:"documentVariant"`
	Payload         Snapshot  `json:"payload"`
}

// RemoteDraftRecord is the durable draft row, one live record per DraftKey.
type RemoteDraftRecord struct {
	DraftKey        DraftKey  `json:"draftKey"`
	DocumentID      string    `json:"documentId,omitempty"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
	DocumentVariant string    `json:"documentVariant"`
	Payload         Snapshot  `json:"payload"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Status carries the advisory autosave timestamps shown by the editor UI.
type Status struct {
	LocalSavedAt  time.Time
	RemoteSavedAt time.Time
	CommittedAt   time.Time
}

const (
	defaultDebounceDelay       = 300 * time.Millisecond
	defaultRemoteInterval      = 30 * time.Second
	defaultRemoteAssetInterval = 120 * time.Second
	defaultRemoteTimeout       = 10 * time.Second
	defaultCommitTimeout       = 30 * time.Second
)

type Options struct {
	DocumentID      string
	RelatedEntityID string
	DocumentVariant string
	Schema          Schema

	Local     LocalStore
	Remote    DraftAPI
	Documents DocumentStore
	Assets    AssetUploader
	Logger    Logger

	// Now and NewTimer exist for deterministic tests; nil means real time.
	Now      func() time.Time
	NewTimer TimerFactory

	DebounceDelay       time.Duration
	RemoteInterval      time.Duration
	RemoteAssetInterval time.Duration
	RemoteTimeout       time.Duration
	CommitTimeout       time.Duration
}

// Session is the per-editor autosave engine: one instance per open document,
// constructed when the editor opens a draft key and closed when it unmounts.
// All timers and mutable autosave state live here; nothing is process-wide,
// so several editors can coexist.
type Session struct {
	key       DraftKey
	docID     string
	relatedID string
	variant   string
	schema    Schema

	local     LocalStore
	remote    DraftAPI
	documents DocumentStore
	assets    AssetUploader
	logger    Logger
	now       func() time.Time
	newTimer  TimerFactory

	debounceDelay       time.Duration
	remoteInterval      time.Duration
	remoteAssetInterval time.Duration
	remoteTimeout       time.Duration
	commitTimeout       time.Duration

	mu              sync.Mutex
	dirty           bool
	saving          bool
	closed          bool
	started         bool
	prompted        bool
	remoteInFlight  bool
	flushSettled    chan struct{}
	lastRemoteFlush time.Time
	pending         Snapshot
	debounce        Timer
	interval        Timer
	status          Status
}

func NewSession(opts Options) (*Session, error) {
	if opts.Local == nil {
		return nil, ErrInvalidOptions
	}
	remote := opts.Remote
	if remote == nil {
		remote = noopDraftAPI{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newTimer := opts.NewTimer
	if newTimer == nil {
		newTimer = afterFuncTimer
	}
	s := &Session{
		key:                 DeriveKey(opts.DocumentID, opts.RelatedEntityID, opts.DocumentVariant),
		docID:               opts.DocumentID,
		relatedID:           opts.RelatedEntityID,
		variant:             opts.DocumentVariant,
		schema:              opts.Schema,
		local:               opts.Local,
		remote:              remote,
		documents:           opts.Documents,
		assets:              opts.Assets,
		logger:              opts.Logger,
		now:                 now,
		newTimer:            newTimer,
		debounceDelay:       opts.DebounceDelay,
		remoteInterval:      opts.RemoteInterval,
		remoteAssetInterval: opts.RemoteAssetInterval,
		remoteTimeout:       opts.RemoteTimeout,
		commitTimeout:       opts.CommitTimeout,
	}
	if s.debounceDelay <= 0 {
		s.debounceDelay = defaultDebounceDelay
	}
	if s.remoteInterval <= 0 {
		s.remoteInterval = defaultRemoteInterval
	}
	if s.remoteAssetInterval <= 0 {
		s.remoteAssetInterval = defaultRemoteAssetInterval
	}
	if s.remoteTimeout <= 0 {
		s.remoteTimeout = defaultRemoteTimeout
	}
	if s.commitTimeout <= 0 {
		s.commitTimeout = defaultCommitTimeout
	}
	// The first remote flush is due one full interval after the session
	// opens, not immediately on the first keystroke.
	s.lastRemoteFlush = s.now()
	return s, nil
}

// Key returns the draft key this session writes under.
func (s *Session) Key() DraftKey {
	return s.key
}

// MarkDirty records that the in-memory document diverged from the canonical
// record. Called by the editor on every field change.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
}

func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) Saving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// UnloadGuard reports whether navigating away would lose unsaved work. The
// editor wires this into its beforeunload-style hook: warn exactly when
// dirty, no-op otherwise.
func (s *Session) UnloadGuard() bool {
	return s.Dirty()
}

// ScheduleLocalSave restarts the debounce timer with the given snapshot.
// Only the last call within the debounce window actually writes. Suppressed
// entirely while a commit is in flight and after Close.
func (s *Session) ScheduleLocalSave(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.saving {
		return
	}
	s.pending = snapshot.Clone()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = s.newTimer(s.debounceDelay, s.debounceFired)
}

func (s *Session) debounceFired() {
	s.mu.Lock()
	if s.closed || s.saving || s.pending == nil {
		s.mu.Unlock()
		return
	}
	snapshot := s.pending
	at := s.now()
	record := LocalDraftRecord{
		UpdatedAt:       at,
		DocumentVariant: s.variant,
		Payload:         s.schema.Sanitize(snapshot),
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = s.local.SetItem(string(s.key), data)
	}
	if err != nil {
		// Quota or serialization trouble must never interrupt typing.
		s.logf("local draft save failed for %s: %v", s.key, err)
	} else {
		s.status.LocalSavedAt = at
	}
	s.maybeFlushRemoteLocked(snapshot, at)
	s.mu.Unlock()
}

// currentRemoteIntervalLocked widens the flush interval while the snapshot
// carries a pending binary payload so the heavier record is pushed less
// often.
func (s *Session) currentRemoteIntervalLocked(snapshot Snapshot) time.Duration {
	if s.schema.HasPendingAsset(snapshot) {
		return s.remoteAssetInterval
	}
	return s.remoteInterval
}

func (s *Session) maybeFlushRemoteLocked(snapshot Snapshot, at time.Time) {
	if !s.dirty || s.saving || s.remoteInFlight {
		return
	}
	if at.Sub(s.lastRemoteFlush) < s.currentRemoteIntervalLocked(snapshot) {
		return
	}
	s.remoteInFlight = true
	s.flushSettled = make(chan struct{})
	record := RemoteDraftRecord{
		DraftKey:        s.key,
		DocumentID:      s.docID,
		RelatedEntityID: s.relatedID,
		DocumentVariant: s.variant,
		Payload:         s.schema.Sanitize(snapshot),
		UpdatedAt:       at,
	}
	go s.flushRemote(record)
}

// flushRemote is a best-effort background task: failures are logged through
// the session's logger seam and retried on the next natural tick, never
// surfaced to the user. A flush raced by a commit skips its upsert so it
// cannot resurrect a draft the commit is about to delete.
func (s *Session) flushRemote(record RemoteDraftRecord) {
	s.mu.Lock()
	skip := s.closed || s.saving
	s.mu.Unlock()

	var err error
	if !skip {
		ctx, cancel := context.WithTimeout(context.Background(), s.remoteTimeout)
		err = s.remote.Upsert(ctx, record)
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteInFlight = false
	if s.flushSettled != nil {
		close(s.flushSettled)
		s.flushSettled = nil
	}
	if skip {
		return
	}
	if err != nil {
		s.logf("remote draft flush failed for %s: %v", s.key, err)
		return
	}
	if s.closed {
		return
	}
	s.lastRemoteFlush = s.now()
	s.status.RemoteSavedAt = record.UpdatedAt
}

// Start arms the background interval that flushes the latest snapshot
// remotely while the document stays dirty, covering the case where the user
// stops typing before the adaptive interval elapses.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return
	}
	s.started = true
	s.armIntervalLocked()
}

func (s *Session) armIntervalLocked() {
	s.interval = s.newTimer(s.remoteInterval, s.intervalFired)
}

func (s *Session) intervalFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pending != nil {
		s.maybeFlushRemoteLocked(s.pending, s.now())
	}
	s.armIntervalLocked()
}

// Close cancels the debounce and interval timers. A closed session never
// writes again, so a timer armed for a previous document cannot leak into
// the next one.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.interval != nil {
		s.interval.Stop()
		s.interval = nil
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

type noopDraftAPI struct{}

func (noopDraftAPI) Upsert(ctx context.Context, rec RemoteDraftRecord) error { return nil }

func (noopDraftAPI) Fetch(ctx context.Context, key DraftKey) (*RemoteDraftRecord, error) {
	return nil, nil
}

func (noopDraftAPI) Delete(ctx context.Context, key DraftKey) error { return nil }
