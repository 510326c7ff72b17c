// Package localstore provides the fast key/value stores backing the local
// draft cache. Every store enforces a byte quota so a runaway editor cannot
// fill the host, and every write is atomic so a crash never leaves a
// half-written draft behind.
package localstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrNotFound      = errors.New("draft not found")
	ErrQuotaExceeded = errors.New("local draft quota exceeded")
	ErrInvalidDSN    = errors.New("invalid local store dsn")
	ErrClosed        = errors.New("local store closed")
)

// DefaultQuotaBytes bounds the total payload bytes a store will hold.
const DefaultQuotaBytes = 5 << 20

// Store is a small synchronous key/value surface. SetItem either persists the
// full value or fails without partial effects; GetItem returns ErrNotFound
// for absent keys.
type Store interface {
	SetItem(key string, data []byte) error
	GetItem(key string) ([]byte, error)
	RemoveItem(key string) error
	Keys() ([]string, error)
	Close() error
}

// Factory builds a store from a DSN. External packages register additional
// schemes through RegisterFactory.
type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Open builds a store from a DSN such as "file:///var/cache/drafts",
// "sqlite:///var/cache/drafts.db" or "memory://". A bare path with no scheme
// opens a directory store.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirStore(path, DefaultQuotaBytes)
	case "memory", "mem", "inmem":
		return NewMemStore(DefaultQuotaBytes), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path, DefaultQuotaBytes)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidDSN
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidDSN
	}
	return path, nil
}

// MemStore keeps drafts in process memory, for tests and for ephemeral
// editors that never want disk persistence.
type MemStore struct {
	mu     sync.Mutex
	items  map[string][]byte
	quota  int64
	used   int64
	closed bool
}

func NewMemStore(quotaBytes int64) *MemStore {
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	return &MemStore{items: map[string][]byte{}, quota: quotaBytes}
}

func (s *MemStore) SetItem(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := s.used - int64(len(s.items[key])) + int64(len(data))
	if next > s.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, next, s.quota)
	}
	s.items[key] = append([]byte(nil), data...)
	s.used = next
	return nil
}

func (s *MemStore) GetItem(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.used -= int64(len(s.items[key]))
	delete(s.items, key)
	return nil
}

func (s *MemStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	s.used = 0
	return nil
}
