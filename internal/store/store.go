package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/roamlabs/convoctx/internal/engine"
)

// Options configures a Store.
type Options struct {
	Primary     Backend
	Backup      Backend     // optional; takes writes when Primary fails
	Broadcaster Broadcaster // optional; distributes change signals

	OpTimeout      time.Duration // per-backend operation bound; default 3s
	MinEvictionAge time.Duration // records younger than this are never evicted; default 5m
	Logger         *log.Logger   // optional

	// OnConflict is invoked when a save loses last-write-wins. The save is
	// rejected with ConflictError either way; this lets the application warn.
	OnConflict func(ConflictError)
	// OnChange receives signals from other writers (never this instance's
	// own). The receiver should reload the affected conversation.
	OnChange func(Change)
}

// Store coordinates snapshot persistence across a primary and backup
// backend. It implements engine.Persister.
//
// Writes to the same conversation are serialized; different conversations
// proceed concurrently. Each save checks last-write-wins against what this
// instance last synchronized, evicts least-recently-accessed records on
// quota pressure, and falls back to the backup when the primary fails.
type Store struct {
	origin string // instance id; stamped on outgoing changes
	opts   Options
	logger *log.Logger

	mu          sync.Mutex
	keyLocks    map[string]*sync.Mutex
	lastSeen    map[string]time.Time // key -> SyncedAt this instance last read or wrote
	unsubscribe func()
}

// New creates a store over the given backends.
func New(opts Options) (*Store, error) {
	if opts.Primary == nil {
		return nil, errors.New("store: primary backend is required")
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.MinEvictionAge <= 0 {
		opts.MinEvictionAge = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags)
	}
	return &Store{
		origin:   uuid.New().String(),
		opts:     opts,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
		lastSeen: make(map[string]time.Time),
	}, nil
}

// Origin returns this instance's writer id.
func (s *Store) Origin() string { return s.origin }

func contextKey(userID, conversationID string) string {
	return userID + "/" + conversationID
}

func (s *Store) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Store) seen(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[key]
	return t, ok
}

func (s *Store) markSeen(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[key] = t
}

// Save persists a snapshot. The write lands on the primary backend; if the
// primary is unavailable the backup takes it and the result is flagged
// degraded. A stored snapshot newer than anything this instance has seen
// wins and the save fails with ConflictError.
func (s *Store) Save(ctx context.Context, snap engine.Snapshot) (engine.PersistResult, error) {
	key := contextKey(snap.UserID, snap.ConversationID)
	unlock := s.lockKey(key)
	defer unlock()

	if err := s.checkConflict(ctx, key, snap); err != nil {
		return engine.PersistResult{}, err
	}

	data, err := EncodeRecord(StoredContext{Snapshot: snap})
	if err != nil {
		return engine.PersistResult{}, err
	}

	result, err := s.write(ctx, key, data, snap)
	if err != nil {
		return engine.PersistResult{}, err
	}

	s.markSeen(key, snap.SyncedAt)
	s.publish(ctx, snap)
	return result, nil
}

// checkConflict rejects a save when another writer stored a newer snapshot
// since this instance last synchronized. First writes and snapshots that are
// themselves newer than the stored one pass.
func (s *Store) checkConflict(ctx context.Context, key string, snap engine.Snapshot) error {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	raw, err := s.opts.Primary.Get(octx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		// Unreadable primary cannot veto the write; the degraded path
		// handles an unavailable primary.
		return nil
	}

	stored, err := DecodeRecord(raw)
	if err != nil {
		s.logger.Printf("⚠️ corrupt record at %s, overwriting: %v", key, err)
		return nil
	}

	last, ok := s.seen(key)
	if ok && !stored.SyncedAt.After(last) {
		return nil // nothing new since we last synchronized
	}
	if !stored.SyncedAt.After(snap.SyncedAt) {
		return nil // local snapshot is at least as new; last write wins
	}

	ce := ConflictError{
		UserID:         snap.UserID,
		ConversationID: snap.ConversationID,
		LocalSyncedAt:  snap.SyncedAt.UnixMilli(),
		StoredSyncedAt: stored.SyncedAt.UnixMilli(),
	}
	if s.opts.OnConflict != nil {
		s.opts.OnConflict(ce)
	}
	return &ce
}

func (s *Store) write(ctx context.Context, key string, data []byte, snap engine.Snapshot) (engine.PersistResult, error) {
	primaryErr := s.setWithEviction(ctx, s.opts.Primary, key, data)
	if primaryErr == nil {
		return engine.PersistResult{Backend: s.opts.Primary.Name()}, nil
	}
	if IsQuotaExceeded(primaryErr) && s.opts.Backup == nil {
		return engine.PersistResult{}, primaryErr
	}

	if s.opts.Backup == nil {
		return engine.PersistResult{}, primaryErr
	}

	s.logger.Printf("⚠️ primary backend %s failed for %s, writing to backup: %v",
		s.opts.Primary.Name(), key, primaryErr)

	degraded, err := EncodeRecord(StoredContext{
		Snapshot: snap,
		Backend:  s.opts.Backup.Name(),
		Degraded: true,
	})
	if err != nil {
		return engine.PersistResult{}, err
	}

	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.setWithEviction(octx, s.opts.Backup, key, degraded); err != nil {
		return engine.PersistResult{}, fmt.Errorf("primary failed (%v); backup failed: %w", primaryErr, err)
	}
	return engine.PersistResult{Degraded: true, Backend: s.opts.Backup.Name()}, nil
}

// setWithEviction writes to a backend, evicting least-recently-accessed
// records when the write hits quota. Records accessed within MinEvictionAge
// are pinned.
func (s *Store) setWithEviction(ctx context.Context, b Backend, key string, data []byte) error {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	err := b.Set(octx, key, data)
	if !IsQuotaExceeded(err) {
		return err
	}

	freed, evictErr := s.evict(ctx, b, key, int64(len(data)))
	if evictErr != nil {
		s.logger.Printf("⚠️ eviction on %s failed: %v", b.Name(), evictErr)
	}
	if freed == 0 {
		return err
	}
	s.logger.Printf("evicted %s from %s to fit %s",
		units.HumanSize(float64(freed)), b.Name(), units.HumanSize(float64(len(data))))

	rctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	retryErr := b.Set(rctx, key, data)
	if IsQuotaExceeded(retryErr) {
		var qe *QuotaError
		errors.As(retryErr, &qe)
		qe.Freed = freed
		return qe
	}
	return retryErr
}

// evict deletes least-recently-accessed records until roughly `needed` bytes
// are reclaimed. The record being written is never a candidate, nor is any
// record accessed within MinEvictionAge.
func (s *Store) evict(ctx context.Context, b Backend, protectKey string, needed int64) (int64, error) {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	keys, err := b.List(octx, "")
	if err != nil {
		return 0, err
	}

	type candidate struct {
		key        string
		size       int64
		accessedAt time.Time
	}
	var candidates []candidate
	cutoff := time.Now().Add(-s.opts.MinEvictionAge)

	for _, k := range keys {
		if k == protectKey {
			continue
		}
		raw, err := b.Get(ctx, k)
		if err != nil {
			continue
		}
		sc, err := DecodeRecord(raw)
		if err != nil {
			// Corrupt records are the best eviction candidates.
			candidates = append(candidates, candidate{key: k, size: int64(len(raw))})
			continue
		}
		if sc.AccessedAt.After(cutoff) {
			continue
		}
		candidates = append(candidates, candidate{key: k, size: int64(len(raw)), accessedAt: sc.AccessedAt})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessedAt.Before(candidates[j].accessedAt)
	})

	var freed int64
	for _, c := range candidates {
		if freed >= needed {
			break
		}
		if err := b.Delete(ctx, c.key); err != nil {
			continue
		}
		s.logger.Printf("evicted %s (%s, last accessed %s)",
			c.key, units.HumanSize(float64(c.size)), c.accessedAt.Format(time.RFC3339))
		freed += c.size
	}
	return freed, nil
}

// Load fetches a snapshot, falling back to the backup when the primary
// fails or has no copy. A backup hit triggers an async repair write so the
// primary converges once it recovers.
func (s *Store) Load(ctx context.Context, userID, conversationID string) (engine.Snapshot, bool, error) {
	key := contextKey(userID, conversationID)
	unlock := s.lockKey(key)
	defer unlock()

	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	raw, err := s.opts.Primary.Get(octx, key)
	cancel()

	if err == nil {
		sc, derr := DecodeRecord(raw)
		if derr == nil {
			s.markSeen(key, sc.SyncedAt)
			return sc.Snapshot, true, nil
		}
		s.logger.Printf("⚠️ corrupt record at %s on %s: %v", key, s.opts.Primary.Name(), derr)
		err = derr
	}

	if s.opts.Backup == nil {
		if errors.Is(err, ErrNotFound) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, err
	}

	bctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	raw, berr := s.opts.Backup.Get(bctx, key)
	cancel()
	if errors.Is(berr, ErrNotFound) {
		if errors.Is(err, ErrNotFound) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, err
	}
	if berr != nil {
		return engine.Snapshot{}, false, berr
	}

	sc, derr := DecodeRecord(raw)
	if derr != nil {
		return engine.Snapshot{}, false, derr
	}
	s.markSeen(key, sc.SyncedAt)
	s.repairAsync(key, sc.Snapshot)
	return sc.Snapshot, true, nil
}

// repairAsync copies a backup-served snapshot back to the primary. Failure
// is fine; the next save will try again.
func (s *Store) repairAsync(key string, snap engine.Snapshot) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
		defer cancel()

		data, err := EncodeRecord(StoredContext{Snapshot: snap})
		if err != nil {
			return
		}
		unlock := s.lockKey(key)
		defer unlock()
		if err := s.opts.Primary.Set(ctx, key, data); err != nil {
			return
		}
		s.logger.Printf("repaired %s on primary %s", key, s.opts.Primary.Name())
	}()
}

// Delete removes a conversation from every backend.
func (s *Store) Delete(ctx context.Context, userID, conversationID string) error {
	key := contextKey(userID, conversationID)
	unlock := s.lockKey(key)
	defer unlock()

	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	err := s.opts.Primary.Delete(octx, key)
	if s.opts.Backup != nil {
		if berr := s.opts.Backup.Delete(octx, key); err == nil {
			err = berr
		}
	}
	if err == nil {
		s.mu.Lock()
		delete(s.lastSeen, key)
		s.mu.Unlock()
	}
	return err
}

// getAllBatchSize bounds how many records one enumeration page fetches.
const getAllBatchSize = 20

// GetAllContexts loads every stored conversation for a user, in pages so a
// large history does not pin everything at once. Corrupt records are skipped
// with a warning rather than failing the whole enumeration.
func (s *Store) GetAllContexts(ctx context.Context, userID string) ([]StoredContext, error) {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	keys, err := s.opts.Primary.List(octx, userID+"/")
	cancel()
	if err != nil {
		if s.opts.Backup == nil {
			return nil, err
		}
		bctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		keys, err = s.opts.Backup.List(bctx, userID+"/")
		cancel()
		if err != nil {
			return nil, err
		}
	}

	var out []StoredContext
	for start := 0; start < len(keys); start += getAllBatchSize {
		end := start + getAllBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			parts := strings.SplitN(key, "/", 2)
			if len(parts) != 2 {
				continue
			}
			snap, found, err := s.Load(ctx, parts[0], parts[1])
			if err != nil {
				s.logger.Printf("⚠️ skipping unreadable record %s: %v", key, err)
				continue
			}
			if found {
				out = append(out, StoredContext{Snapshot: snap})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].AccessedAt.After(out[j].AccessedAt)
	})
	return out, nil
}

// StorageQuota reports the primary backend's capacity.
func (s *Store) StorageQuota(ctx context.Context) (QuotaInfo, error) {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.opts.Primary.Quota(octx)
}

func (s *Store) publish(ctx context.Context, snap engine.Snapshot) {
	if s.opts.Broadcaster == nil {
		return
	}
	ch := Change{
		SchemaVersion:  engine.SnapshotSchemaVersion,
		Origin:         s.origin,
		UserID:         snap.UserID,
		ConversationID: snap.ConversationID,
		SyncedAt:       snap.SyncedAt,
	}
	if err := s.opts.Broadcaster.Publish(ctx, ch); err != nil {
		s.logger.Printf("⚠️ change broadcast failed for %s/%s: %v", snap.UserID, snap.ConversationID, err)
	}
}

// Watch subscribes to change signals for a user and forwards foreign ones to
// OnChange. Signals from this instance and signals with an unknown schema
// version are dropped.
func (s *Store) Watch(ctx context.Context, userID string) error {
	if s.opts.Broadcaster == nil || s.opts.OnChange == nil {
		return nil
	}
	cancel, err := s.opts.Broadcaster.Subscribe(ctx, userID, func(ch Change) {
		if ch.Origin == s.origin {
			return
		}
		if ch.SchemaVersion != engine.SnapshotSchemaVersion {
			s.logger.Printf("⚠️ ignoring change signal with schema version %d", ch.SchemaVersion)
			return
		}
		s.markSeen(contextKey(ch.UserID, ch.ConversationID), ch.SyncedAt)
		s.opts.OnChange(ch)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.unsubscribe = cancel
	s.mu.Unlock()
	return nil
}

// Close stops change delivery.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return nil
}
