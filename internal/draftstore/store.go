// Package draftstore holds the server-side draft records: at most one live
// draft per (workspace, draft key) pair, replaced wholesale on every upsert.
package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("draft not found")
	ErrInvalidInput = errors.New("invalid draft input")
	ErrInvalidDSN   = errors.New("invalid draft store dsn")
)

// Record is one durable draft. DocumentID and RelatedEntityID are nullable:
// a draft for a never-committed document has no document id yet.
type Record struct {
	DraftKey        string          `json:"draftKey"`
	DocumentID      *string         `json:"documentId"`
	RelatedEntityID *string         `json:"relatedEntityId"`
	DocumentVariant string          `json:"documentVariant"`
	Payload         json.RawMessage `json:"payload"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Backend persists draft records for all workspaces. Upsert replaces any
// existing record under the same (workspace, key); Delete of an absent key
// succeeds.
type Backend interface {
	Upsert(ctx context.Context, workspaceID string, rec Record) error
	Get(ctx context.Context, workspaceID, draftKey string) (*Record, error)
	Delete(ctx context.Context, workspaceID, draftKey string) error
	List(ctx context.Context, workspaceID string) ([]Record, error)
	Close() error
}

func validateUpsert(workspaceID string, rec Record) error {
	if strings.TrimSpace(workspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(rec.DraftKey) == "" {
		return errors.New("draft key is required")
	}
	if len(rec.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

type memoryKey struct {
	workspace string
	draftKey  string
}

// MemoryBackend keeps records in process memory, for tests and single-node
// deployments that accept losing drafts on restart.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[memoryKey]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[memoryKey]Record{}}
}

func (b *MemoryBackend) Upsert(ctx context.Context, workspaceID string, rec Record) error {
	if err := validateUpsert(workspaceID, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[memoryKey{workspaceID, rec.DraftKey}] = rec
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, workspaceID, draftKey string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[memoryKey{workspaceID, draftKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, workspaceID, draftKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, memoryKey{workspaceID, draftKey})
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, workspaceID string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := make([]Record, 0)
	for key, rec := range b.records {
		if key.workspace == workspaceID {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].DraftKey < records[j].DraftKey })
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = map[memoryKey]Record{}
	return nil
}
