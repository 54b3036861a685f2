package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileBackend stores records as files under a base directory. Key segments
// are hashed into directory names so arbitrary user identifiers never reach
// the filesystem. This is the default durable local tier.
type FileBackend struct {
	name  string
	base  string
	limit int64

	mu        sync.Mutex
	ownWrites map[string]time.Time // paths this process wrote recently; watcher skips them
}

// NewFileBackend creates the base directory if needed. limit <= 0 means
// unlimited.
func NewFileBackend(base string, limit int64) (*FileBackend, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileBackend{
		name:      "file",
		base:      base,
		limit:     limit,
		ownWrites: make(map[string]time.Time),
	}, nil
}

func (b *FileBackend) Name() string { return b.name }

// pathFor maps "user/conversation" to <base>/<hash(user)>/<conversation>.json.
func (b *FileBackend) pathFor(key string) string {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return filepath.Join(b.base, segmentHash(key)+".json")
	}
	return filepath.Join(b.base, segmentHash(parts[0]), parts[1]+".json")
}

func segmentHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:12]
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "get", Err: err}
	}
	return data, nil
}

func (b *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.limit > 0 {
		used, err := b.usedBytes()
		if err == nil && used+int64(len(value)) > b.limit {
			return &QuotaError{Backend: b.name, Needed: int64(len(value)), Limit: b.limit}
		}
	}

	path := b.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &BackendError{Backend: b.name, Op: "set", Err: err}
	}

	b.mu.Lock()
	b.ownWrites[path] = time.Now()
	b.mu.Unlock()

	if err := os.WriteFile(path, value, 0644); err != nil {
		return &BackendError{Backend: b.name, Op: "set", Err: err}
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return &BackendError{Backend: b.name, Op: "delete", Err: err}
	}
	return nil
}

// List returns keys under a prefix. Only the user segment of the prefix can
// be matched (conversation files live inside hashed user directories).
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	userPart := strings.SplitN(prefix, "/", 2)[0]
	var keys []string

	scanDir := func(userDir, userSegment string) error {
		entries, err := os.ReadDir(userDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			key := userSegment + "/" + strings.TrimSuffix(e.Name(), ".json")
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	}

	if userPart != "" {
		if err := scanDir(filepath.Join(b.base, segmentHash(userPart)), userPart); err != nil {
			return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
		}
		return keys, nil
	}

	// Prefix-less listing cannot recover user segments from hashes; return
	// hashed segments so callers can at least count records.
	dirs, err := os.ReadDir(b.base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := scanDir(filepath.Join(b.base, d.Name()), d.Name()); err != nil {
			return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
		}
	}
	return keys, nil
}

func (b *FileBackend) Quota(ctx context.Context) (QuotaInfo, error) {
	used, err := b.usedBytes()
	if err != nil {
		return QuotaInfo{}, &BackendError{Backend: b.name, Op: "quota", Err: err}
	}
	info := QuotaInfo{Used: used, Limit: b.limit}
	if b.limit > 0 {
		info.PercentUsed = float64(used) / float64(b.limit) * 100
	}
	return info, nil
}

func (b *FileBackend) usedBytes() (int64, error) {
	var used int64
	err := filepath.Walk(b.base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	return used, err
}

// Watch emits a signal whenever another process writes a record file. Writes
// made through this backend instance within the debounce window are
// filtered out. The returned channel closes when ctx is cancelled.
func (b *FileBackend) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "watch", Err: err}
	}
	if err := watcher.Add(b.base); err != nil {
		watcher.Close()
		return nil, &BackendError{Backend: b.name, Op: "watch", Err: err}
	}
	// Watch existing user directories too; fsnotify is not recursive.
	if dirs, err := os.ReadDir(b.base); err == nil {
		for _, d := range dirs {
			if d.IsDir() {
				_ = watcher.Add(filepath.Join(b.base, d.Name()))
			}
		}
	}

	out := make(chan string, 16)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = watcher.Add(ev.Name)
						continue
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				if b.isOwnWrite(ev.Name) {
					continue
				}
				select {
				case out <- ev.Name:
				default: // drop when the consumer lags; it reloads anyway
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *FileBackend) isOwnWrite(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.ownWrites[path]
	if !ok {
		return false
	}
	if time.Since(t) > time.Second {
		delete(b.ownWrites, path)
		return false
	}
	return true
}
