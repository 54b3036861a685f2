// Package store provides durable, resilient persistence of conversation
// snapshots across multiple storage backends, with quota tracking and
// cross-process change notification.
//
// Every backend is assumed unreliable: local storage can be disabled or
// full, networked storage can be offline. Each operation has a defined
// degraded-mode behavior and every failure is typed.

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("store: not found")

// Backend is a key-value storage target. Keys are slash-separated
// hierarchical strings ("user/conversation"); values are opaque encoded
// records.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Quota(ctx context.Context) (QuotaInfo, error)
}

// QuotaInfo reports a backend's capacity. Limit <= 0 means unlimited.
type QuotaInfo struct {
	Used        int64
	Limit       int64
	PercentUsed float64
}

// BackendError indicates a backend could not serve an operation at all
// (unavailable, corrupt, I/O failure). Distinct from ErrNotFound.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendUnavailable checks if an error is a BackendError.
func IsBackendUnavailable(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// QuotaError indicates a write could not fit even after eviction. It is
// actionable: the caller should surface it rather than retry.
type QuotaError struct {
	Backend string
	Needed  int64
	Limit   int64
	Freed   int64 // bytes eviction managed to reclaim before giving up
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("backend %s: quota exceeded: need %d bytes, limit %d (freed %d by eviction)",
		e.Backend, e.Needed, e.Limit, e.Freed)
}

// IsQuotaExceeded checks if an error is a QuotaError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// ConflictError indicates another writer stored a newer snapshot since this
// writer last synchronized. Last-write-wins on the sync timestamp; the loser
// gets this error so it can warn the user instead of silently discarding.
type ConflictError struct {
	UserID         string
	ConversationID string
	LocalSyncedAt  int64 // unix milliseconds
	StoredSyncedAt int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: stored snapshot (synced %d) is newer than local (%d)",
		e.UserID, e.ConversationID, e.StoredSyncedAt, e.LocalSyncedAt)
}

// IsConflict checks if an error is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
