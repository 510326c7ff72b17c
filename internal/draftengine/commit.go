package draftengine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrCommitTimeout = errors.New("commit timed out")

// Commit performs the explicit, user-triggered save: upload any pending
// inline assets, write the canonical document record, then delete both draft
// copies and clear the dirty flag. Autosave writes are suppressed for the
// whole critical section.
//
// On any failure (upload, canonical write, overall timeout) the saving flag
// is cleared, dirty stays true, both drafts remain intact, and the error is
// returned for the editor to surface. After a successful first commit the
// returned id changes the draft key; callers must derive a fresh key and
// open a new session before editing further.
func (s *Session) Commit(ctx context.Context, snapshot Snapshot) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.saving {
		s.mu.Unlock()
		return "", ErrCommitInFlight
	}
	if s.documents == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: document store is required to commit", ErrInvalidOptions)
	}
	s.saving = true
	settled := s.flushSettled
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.saving = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	// An autosave flush still in flight must land before the draft cleanup
	// below, or its upsert would recreate the remote draft after the delete.
	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return "", commitErr(fmt.Errorf("waiting for in-flight draft flush: %w", ctx.Err()))
		}
	}

	working := snapshot.Clone()
	for _, field := range s.schema.PendingAssetFields(working) {
		raw, ok := working[field].(string)
		if !ok {
			continue
		}
		payload, err := decodeInlinePayload(raw)
		if err != nil {
			return "", fmt.Errorf("asset field %s: %w", field, err)
		}
		if s.assets == nil {
			return "", fmt.Errorf("asset field %s has a pending payload but no uploader is configured", field)
		}
		durableURL, err := s.assets.Upload(ctx, payload, s.assetPath(field))
		if err != nil {
			return "", commitErr(fmt.Errorf("upload asset %s: %w", field, err))
		}
		working[field] = durableURL
	}

	id := s.docID
	var err error
	if id == "" {
		id, err = s.documents.Create(ctx, DocumentRecord(working))
	} else {
		err = s.documents.Update(ctx, id, DocumentRecord(working))
	}
	if err != nil {
		return "", commitErr(fmt.Errorf("write canonical record: %w", err))
	}

	if err := s.local.RemoveItem(string(s.key)); err != nil {
		s.logf("remove local draft %s after commit: %v", s.key, err)
	}
	// Best effort: a surviving remote draft is harmless because the fresh
	// canonical record timestamp-dominates it on the next load.
	deleteCtx, deleteCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.remote.Delete(deleteCtx, s.key); err != nil {
		s.logf("delete remote draft %s after commit: %v", s.key, err)
	}
	deleteCancel()

	s.mu.Lock()
	s.dirty = false
	s.pending = nil
	s.status.CommittedAt = s.now()
	s.mu.Unlock()
	return id, nil
}

func (s *Session) assetPath(field string) string {
	doc := s.docID
	if doc == "" {
		doc = newDocumentComponent
	}
	return fmt.Sprintf("documents/%s/%s", doc, field)
}

// commitErr tags deadline expiry as a retryable timeout so callers can
// distinguish "try again" from a hard failure.
func commitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCommitTimeout, err)
	}
	return err
}
