package draftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend persists the full record set as one JSON snapshot, rewritten
// atomically on every mutation. Suited to single-node deployments; the whole
// file is held in memory between writes.
type FileBackend struct {
	path string

	mu      sync.Mutex
	loaded  bool
	records map[memoryKey]Record
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty snapshot path", ErrInvalidDSN)
	}
	return &FileBackend{path: path, records: map[memoryKey]Record{}}, nil
}

type fileSnapshot struct {
	Drafts []fileDraft `json:"drafts"`
}

type fileDraft struct {
	WorkspaceID string `json:"workspaceId"`
	Record
}

func (b *FileBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		b.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("corrupt draft snapshot %s: %w", b.path, err)
	}
	for _, d := range snapshot.Drafts {
		b.records[memoryKey{d.WorkspaceID, d.DraftKey}] = d.Record
	}
	b.loaded = true
	return nil
}

func (b *FileBackend) saveLocked() error {
	snapshot := fileSnapshot{Drafts: make([]fileDraft, 0, len(b.records))}
	for key, rec := range b.records {
		snapshot.Drafts = append(snapshot.Drafts, fileDraft{WorkspaceID: key.workspace, Record: rec})
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.path, data, 0o600)
}

func (b *FileBackend) Upsert(ctx context.Context, workspaceID string, rec Record) error {
	if err := validateUpsert(workspaceID, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	b.records[memoryKey{workspaceID, rec.DraftKey}] = rec
	return b.saveLocked()
}

func (b *FileBackend) Get(ctx context.Context, workspaceID, draftKey string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	rec, ok := b.records[memoryKey{workspaceID, draftKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (b *FileBackend) Delete(ctx context.Context, workspaceID, draftKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	key := memoryKey{workspaceID, draftKey}
	if _, ok := b.records[key]; !ok {
		return nil
	}
	delete(b.records, key)
	return b.saveLocked()
}

func (b *FileBackend) List(ctx context.Context, workspaceID string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	for key, rec := range b.records {
		if key.workspace == workspaceID {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

func (b *FileBackend) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
