package localstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

const (
	draftFileExt  = ".draft"
	draftFileMode = 0o600

	// minFreeBytes is the free-space floor below which writes are refused
	// even when the quota still has headroom.
	minFreeBytes = 16 << 20
)

// DirStore persists each draft as one file in a cache directory. Filenames
// are the hex encoding of the draft key, so arbitrary key characters never
// leak into the filesystem. A watcher keeps the size accounting correct when
// another process (or another editor instance sharing the cache) adds or
// removes draft files.
type DirStore struct {
	dir     string
	quota   int64
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	sizes  map[string]int64
	closed bool

	// statfs is swapped in tests to simulate a full disk.
	statfs func(path string) (free int64, err error)
}

func NewDirStore(dir string, quotaBytes int64) (*DirStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidDSN)
	}
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &DirStore{
		dir:    dir,
		quota:  quotaBytes,
		sizes:  map[string]int64{},
		statfs: statfsFree,
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// SetItem holds the lock from the quota check through the write so two
// concurrent writers cannot both pass the check and overshoot the quota.
func (s *DirStore) SetItem(key string, data []byte) error {
	name := encodeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	used := int64(0)
	for n, size := range s.sizes {
		if n == name {
			continue
		}
		used += size
	}
	if used+int64(len(data)) > s.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, used+int64(len(data)), s.quota)
	}

	free, err := s.statfs(s.dir)
	if err == nil && free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free on device", ErrQuotaExceeded, free)
	}

	if err := writeFileAtomic(filepath.Join(s.dir, name), data, draftFileMode); err != nil {
		return err
	}
	s.sizes[name] = int64(len(data))
	return nil
}

func (s *DirStore) GetItem(key string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, encodeKey(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DirStore) RemoveItem(key string) error {
	name := encodeKey(key)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delete(s.sizes, name)
	s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *DirStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.sizes))
	for name := range s.sizes {
		key, err := decodeKey(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *DirStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// scan rebuilds the size index from the files already on disk.
func (s *DirStore) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), draftFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.sizes[entry.Name()] = info.Size()
	}
	return nil
}

// watch folds external filesystem changes into the size index. The store's
// own writes go through SetItem and update the index directly; events for
// them are harmless re-stats.
func (s *DirStore) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, draftFileExt) || strings.HasPrefix(name, ".") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				info, err := os.Stat(event.Name)
				if err != nil {
					continue
				}
				s.mu.Lock()
				if !s.closed {
					s.sizes[name] = info.Size()
				}
				s.mu.Unlock()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.mu.Lock()
				if !s.closed {
					delete(s.sizes, name)
				}
				s.mu.Unlock()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key)) + draftFileExt
}

func decodeKey(name string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSuffix(name, draftFileExt))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func statfsFree(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
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
