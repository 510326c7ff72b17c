package draftengine

import (
	"context"
	"encoding/json"
	"time"
)

// RestoreSource names which draft copy the resolver picked.
type RestoreSource string

const (
	RestoreFromLocal  RestoreSource = "local"
	RestoreFromRemote RestoreSource = "remote"
)

// RestoreOffer is the resolver's proposal to the user: the freshest draft
// payload found for this key, and when it was written.
type RestoreOffer struct {
	Source    RestoreSource
	Payload   Snapshot
	UpdatedAt time.Time
}

// Resolve reconciles the local and remote drafts for this session's key and
// returns a restoration offer when one of them is fresher than the canonical
// record (pass the zero time for a document that has never been committed).
//
// It runs at most once per session: later calls return nil without touching
// either store, so re-renders and re-subscriptions cannot re-trigger the
// prompt. Call it only after the canonical document finished its initial
// load. Malformed stored drafts and remote fetch failures are treated as
// "no usable draft" rather than errors.
func (s *Session) Resolve(ctx context.Context, canonicalUpdatedAt time.Time) *RestoreOffer {
	s.mu.Lock()
	if s.closed || s.prompted {
		s.mu.Unlock()
		return nil
	}
	s.prompted = true
	s.mu.Unlock()

	local := s.readLocalDraft()
	remote, err := s.remote.Fetch(ctx, s.key)
	if err != nil {
		s.logf("remote draft fetch failed for %s: %v", s.key, err)
		remote = nil
	}

	var localTime, remoteTime time.Time
	var localPayload, remotePayload Snapshot
	if local != nil {
		localTime = local.UpdatedAt
		localPayload = local.Payload
	}
	if remote != nil {
		remoteTime = remote.UpdatedAt
		remotePayload = remote.Payload
	}

	offer := &RestoreOffer{Source: RestoreFromLocal, Payload: localPayload, UpdatedAt: localTime}
	if remoteTime.After(localTime) {
		offer = &RestoreOffer{Source: RestoreFromRemote, Payload: remotePayload, UpdatedAt: remoteTime}
	}
	if len(offer.Payload) == 0 {
		return nil
	}
	// A canonical record committed after the draft dominates it; there is
	// nothing newer to recover.
	if !offer.UpdatedAt.After(canonicalUpdatedAt) {
		return nil
	}
	return offer
}

// Accept installs the offered draft: the caller replaces its in-memory
// snapshot with the returned copy, and the session is marked dirty because
// recovered state is by definition unsaved relative to canonical. Declining
// an offer requires no call at all.
func (s *Session) Accept(offer *RestoreOffer) Snapshot {
	if offer == nil || len(offer.Payload) == 0 {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.dirty = true
	}
	s.mu.Unlock()
	return offer.Payload.Clone()
}

// readLocalDraft treats every failure mode, including a missing or corrupt
// cache entry, as "no usable draft": recovery fails open.
func (s *Session) readLocalDraft() *LocalDraftRecord {
	data, err := s.local.GetItem(string(s.key))
	if err != nil || len(data) == 0 {
		return nil
	}
	var record LocalDraftRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logf("local draft for %s is malformed: %v", s.key, err)
		return nil
	}
	return &record
}
