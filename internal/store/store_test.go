package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/roamlabs/convoctx/internal/engine"
)

// failBackend refuses every operation, simulating unavailable storage.
type failBackend struct{}

func (failBackend) Name() string { return "fail" }
func (failBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, &BackendError{Backend: "fail", Op: "get", Err: errors.New("offline")}
}
func (failBackend) Set(ctx context.Context, key string, value []byte) error {
	return &BackendError{Backend: "fail", Op: "set", Err: errors.New("offline")}
}
func (failBackend) Delete(ctx context.Context, key string) error {
	return &BackendError{Backend: "fail", Op: "delete", Err: errors.New("offline")}
}
func (failBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, &BackendError{Backend: "fail", Op: "list", Err: errors.New("offline")}
}
func (failBackend) Quota(ctx context.Context) (QuotaInfo, error) {
	return QuotaInfo{}, &BackendError{Backend: "fail", Op: "quota", Err: errors.New("offline")}
}

func testSnapshot(userID, convID string, syncedAt time.Time) engine.Snapshot {
	msg := engine.NewMessage(engine.RoleUser, "planning the autumn trip to Lisbon")
	msg.Tokens = 12
	return engine.Snapshot{
		SchemaVersion:  engine.SnapshotSchemaVersion,
		UserID:         userID,
		ConversationID: convID,
		Branches: []engine.Branch{{
			ID:        "root",
			Active:    true,
			CreatedAt: syncedAt,
			Entries:   []engine.Entry{engine.MessageEntry(msg)},
		}},
		ActiveBranchID: "root",
		SyncedAt:       syncedAt,
		AccessedAt:     syncedAt,
	}
}

func TestSaveLoadRoundTripMemory(t *testing.T) {
	st, err := New(Options{Primary: NewMemoryBackend(0)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	snap := testSnapshot("u1", "c1", time.Now())
	result, err := st.Save(ctx, snap)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if result.Degraded {
		t.Error("healthy primary reported degraded")
	}

	loaded, found, err := st.Load(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("snapshot not found after save")
	}
	if loaded.ActiveBranchID != snap.ActiveBranchID || len(loaded.Branches) != 1 {
		t.Error("snapshot shape changed in round trip")
	}
	if len(loaded.Branches[0].Entries) != 1 {
		t.Fatal("entries lost in round trip")
	}
	if got := loaded.Branches[0].Entries[0].Message.Content; got != "planning the autumn trip to Lisbon" {
		t.Errorf("entry content = %q", got)
	}
}

func TestSaveLoadRoundTripFile(t *testing.T) {
	fb, err := NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	st, err := New(Options{Primary: fb})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	snap := testSnapshot("u1", "c1", time.Now())
	if _, err := st.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, found, err := st.Load(ctx, "u1", "c1")
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if loaded.ConversationID != "c1" {
		t.Errorf("ConversationID = %q", loaded.ConversationID)
	}

	_, found, err = st.Load(ctx, "u1", "missing")
	if err != nil {
		t.Fatalf("Load of missing key errored: %v", err)
	}
	if found {
		t.Error("missing conversation reported found")
	}
}

func TestLoadNotFoundIsNotAnError(t *testing.T) {
	st, err := New(Options{Primary: NewMemoryBackend(0)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, found, err := st.Load(context.Background(), "nobody", "nothing")
	if err != nil {
		t.Errorf("expected no error for absent snapshot, got %v", err)
	}
	if found {
		t.Error("absent snapshot reported found")
	}
}

func TestSaveDegradesToBackup(t *testing.T) {
	backup := NewMemoryBackend(0)
	st, err := New(Options{Primary: failBackend{}, Backup: backup})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	result, err := st.Save(ctx, testSnapshot("u1", "c1", time.Now()))
	if err != nil {
		t.Fatalf("Save with healthy backup failed: %v", err)
	}
	if !result.Degraded {
		t.Error("backup write not flagged degraded")
	}
	if result.Backend != backup.Name() {
		t.Errorf("Backend = %q, want %q", result.Backend, backup.Name())
	}

	// Reads fall back to the backup as well.
	loaded, found, err := st.Load(ctx, "u1", "c1")
	if err != nil || !found {
		t.Fatalf("Load via backup failed: found=%v err=%v", found, err)
	}
	if loaded.ConversationID != "c1" {
		t.Error("backup copy corrupt")
	}
}

func TestSaveFailsWhenBothBackendsDown(t *testing.T) {
	st, err := New(Options{Primary: failBackend{}, Backup: failBackend{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = st.Save(context.Background(), testSnapshot("u1", "c1", time.Now()))
	if err == nil {
		t.Fatal("expected error with both backends down")
	}
	if !IsBackendUnavailable(err) {
		t.Errorf("expected BackendError, got %T: %v", err, err)
	}
}

func TestLoadRepairsPrimary(t *testing.T) {
	primary := NewMemoryBackend(0)
	backup := NewMemoryBackend(0)
	st, err := New(Options{Primary: primary, Backup: backup})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// Seed the backup only, as if the primary lost its copy.
	data, err := EncodeRecord(StoredContext{Snapshot: testSnapshot("u1", "c1", time.Now())})
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if err := backup.Set(ctx, "u1/c1", data); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, found, err := st.Load(ctx, "u1", "c1")
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}

	// Repair is async; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := primary.Get(ctx, "u1/c1"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("primary never repaired from backup copy")
}

// paddedSnapshot bulks the snapshot's message so record sizes dominate the
// JSON framing, keeping quota arithmetic in the tests predictable.
func paddedSnapshot(userID, convID string, syncedAt time.Time, chars int) engine.Snapshot {
	snap := testSnapshot(userID, convID, syncedAt)
	snap.Branches[0].Entries[0].Message.Content = strings.Repeat("itinerary note; ", chars/16+1)[:chars]
	return snap
}

func TestQuotaEvictionFreesLRU(t *testing.T) {
	backend := NewMemoryBackend(8000)
	st, err := New(Options{Primary: backend, MinEvictionAge: time.Minute})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// Two cold conversations fill most of the quota.
	old := time.Now().Add(-time.Hour)
	older := time.Now().Add(-2 * time.Hour)
	if _, err := st.Save(ctx, paddedSnapshot("u1", "cold-oldest", older, 3000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := st.Save(ctx, paddedSnapshot("u1", "cold-newer", old, 3000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A fresh save that does not fit forces eviction of the coldest record.
	if _, err := st.Save(ctx, paddedSnapshot("u1", "hot", time.Now(), 3000)); err != nil {
		t.Fatalf("Save with eviction failed: %v", err)
	}

	if _, err := backend.Get(ctx, "u1/cold-oldest"); !errors.Is(err, ErrNotFound) {
		t.Error("least-recently-accessed record not evicted first")
	}
	if _, err := backend.Get(ctx, "u1/hot"); err != nil {
		t.Errorf("new record missing after eviction: %v", err)
	}
}

func TestQuotaErrorWhenNothingEvictable(t *testing.T) {
	backend := NewMemoryBackend(4000)
	st, err := New(Options{Primary: backend}) // default MinEvictionAge pins recent records
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := st.Save(ctx, paddedSnapshot("u1", "recent", time.Now(), 2000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err = st.Save(ctx, paddedSnapshot("u1", "big", time.Now(), 3000))
	if !IsQuotaExceeded(err) {
		t.Errorf("expected QuotaError with only pinned records, got %v", err)
	}
}

func TestConflictRejectsStaleWriter(t *testing.T) {
	backend := NewMemoryBackend(0)
	base := time.Now()

	storeA, err := New(Options{Primary: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	storeB, err := New(Options{Primary: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// A writes, then B (a second session) writes something newer.
	if _, err := storeA.Save(ctx, testSnapshot("u1", "c1", base)); err != nil {
		t.Fatalf("Save A failed: %v", err)
	}
	if _, err := storeB.Save(ctx, testSnapshot("u1", "c1", base.Add(2*time.Second))); err != nil {
		t.Fatalf("Save B failed: %v", err)
	}

	// A tries to write a snapshot older than what B stored: last write wins,
	// A loses and is told.
	var conflicts []ConflictError
	storeA.opts.OnConflict = func(ce ConflictError) { conflicts = append(conflicts, ce) }

	_, err = storeA.Save(ctx, testSnapshot("u1", "c1", base.Add(time.Second)))
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("OnConflict invocations = %d, want 1", len(conflicts))
	}

	// A catching up past B's write is accepted.
	if _, err := storeA.Save(ctx, testSnapshot("u1", "c1", base.Add(3*time.Second))); err != nil {
		t.Fatalf("newer write rejected: %v", err)
	}
}

func TestChangeSignalsSkipOwnOrigin(t *testing.T) {
	backend := NewMemoryBackend(0)
	bus := NewLocalBroadcaster()
	ctx := context.Background()

	var got []Change
	receiver, err := New(Options{
		Primary:     backend,
		Broadcaster: bus,
		OnChange:    func(ch Change) { got = append(got, ch) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := receiver.Watch(ctx, "u1"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer receiver.Close()

	writer, err := New(Options{Primary: backend, Broadcaster: bus})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// A foreign write is delivered.
	if _, err := writer.Save(ctx, testSnapshot("u1", "c1", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("change deliveries = %d, want 1", len(got))
	}
	if got[0].Origin != writer.Origin() {
		t.Error("change origin does not identify the writer")
	}
	if got[0].ConversationID != "c1" {
		t.Errorf("ConversationID = %q", got[0].ConversationID)
	}

	// The receiver's own write must not echo back.
	if _, err := receiver.Save(ctx, testSnapshot("u1", "c2", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("own write echoed back: deliveries = %d", len(got))
	}
}

func TestGetAllContexts(t *testing.T) {
	st, err := New(Options{Primary: NewMemoryBackend(0)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		snap := testSnapshot("u1", fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Minute))
		if _, err := st.Save(ctx, snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if _, err := st.Save(ctx, testSnapshot("u2", "other", base)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	all, err := st.GetAllContexts(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAllContexts failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5 (other users excluded)", len(all))
	}
	// Most recently accessed first.
	for i := 1; i < len(all); i++ {
		if all[i].AccessedAt.After(all[i-1].AccessedAt) {
			t.Error("contexts not ordered by recency")
			break
		}
	}
}

func TestEncodeRecordCompressesLargePayloads(t *testing.T) {
	snap := testSnapshot("u1", "c1", time.Now())
	long := strings.Repeat("the same sentence again and again to defeat any doubt about size ", 200)
	snap.Branches[0].Entries[0].Message.Content = long

	data, err := EncodeRecord(StoredContext{Snapshot: snap})
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if !isGzip(data) {
		t.Fatal("large record not compressed")
	}
	if len(data) >= len(long) {
		t.Errorf("compressed record (%d bytes) not smaller than payload (%d bytes)", len(data), len(long))
	}

	decoded, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if decoded.Branches[0].Entries[0].Message.Content != long {
		t.Error("content corrupted by compression round trip")
	}

	// Small records stay plain JSON.
	small, err := EncodeRecord(StoredContext{Snapshot: testSnapshot("u1", "c2", time.Now())})
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if isGzip(small) {
		t.Error("small record compressed")
	}
	if !bytes.HasPrefix(small, []byte("{")) {
		t.Error("small record is not plain JSON")
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord([]byte(`{"not": "a snapshot"}`)); err == nil {
		t.Error("schema validation accepted garbage")
	}
	if _, err := DecodeRecord([]byte(`{`)); err == nil {
		t.Error("accepted truncated JSON")
	}

	// Unknown schema versions are refused, not guessed at.
	snap := testSnapshot("u1", "c1", time.Now())
	snap.SchemaVersion = 99
	data, err := EncodeRecord(StoredContext{Snapshot: snap})
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if _, err := DecodeRecord(data); err == nil {
		t.Error("accepted unknown schema version")
	}
}

func TestMemoryBackendQuota(t *testing.T) {
	b := NewMemoryBackend(100)
	ctx := context.Background()

	if err := b.Set(ctx, "k1", make([]byte, 60)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	err := b.Set(ctx, "k2", make([]byte, 60))
	if !IsQuotaExceeded(err) {
		t.Fatalf("expected QuotaError, got %v", err)
	}

	// Overwrites are charged by delta, not absolute size.
	if err := b.Set(ctx, "k1", make([]byte, 90)); err != nil {
		t.Fatalf("overwrite within quota failed: %v", err)
	}

	info, err := b.Quota(ctx)
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if info.Used != 90 || info.Limit != 100 {
		t.Errorf("Quota = %+v", info)
	}
	if info.PercentUsed != 90 {
		t.Errorf("PercentUsed = %v, want 90", info.PercentUsed)
	}
}
