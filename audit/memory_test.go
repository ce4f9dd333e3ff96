package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

func newTestMemoryStore(t *testing.T, config *types.AuditConfig) types.AuditManager {
	t.Helper()

	if config == nil {
		config = &types.AuditConfig{Enabled: true, Type: "memory"}
	}

	store, err := NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), config)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if store.IsRunning() {
			store.Stop()
		}
	})

	return store
}

func entry(actor, action, resource string) *types.AuditEntry {
	return &types.AuditEntry{
		Actor:    actor,
		Action:   action,
		Resource: resource,
	}
}

func TestMemoryStoreRecordAssignsIDAndTimestamp(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	if err := store.Record(context.Background(), entry("alice", "put", "items")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := store.Query(context.Background(), nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ID == "" {
		t.Fatal("stored entry must get an ID")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("stored entry must get a timestamp")
	}
}

func TestMemoryStoreRejectsIncompleteEntries(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	cases := []*types.AuditEntry{
		nil,
		entry("", "put", "items"),
		entry("alice", "", "items"),
		entry("alice", "put", ""),
	}
	for i, e := range cases {
		if err := store.Record(context.Background(), e); !types.IsError(err, types.ErrAuditEntryInvalid) {
			t.Fatalf("case %d: got %v, want ErrAuditEntryInvalid", i, err)
		}
	}
}

func TestMemoryStoreNotReadyBeforeStart(t *testing.T) {
	store, err := NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.AuditConfig{Enabled: true, Type: "memory"})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	if err := store.Record(context.Background(), entry("alice", "put", "items")); !types.IsError(err, types.ErrAuditStoreNotReady) {
		t.Fatalf("Record before Start: got %v, want ErrAuditStoreNotReady", err)
	}
	if _, err := store.Query(context.Background(), nil); !types.IsError(err, types.ErrAuditStoreNotReady) {
		t.Fatalf("Query before Start: got %v, want ErrAuditStoreNotReady", err)
	}
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	seed := []*types.AuditEntry{
		entry("alice", "put", "items"),
		entry("alice", "delete", "items"),
		entry("bob", "put", "categories"),
	}
	for _, e := range seed {
		if err := store.Record(context.Background(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byActor, err := store.Query(context.Background(), &types.AuditFilter{Actor: "ALICE"})
	if err != nil {
		t.Fatalf("Query actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("actor matches = %d, want 2 (actor match is case insensitive)", len(byActor))
	}

	byAction, err := store.Query(context.Background(), &types.AuditFilter{Action: "put", Resource: "categories"})
	if err != nil {
		t.Fatalf("Query action+resource: %v", err)
	}
	if len(byAction) != 1 || byAction[0].Actor != "bob" {
		t.Fatalf("action+resource matches = %+v, want bob only", byAction)
	}

	count, err := store.Count(context.Background(), &types.AuditFilter{Resource: "items"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestMemoryStoreQueryOrderAndPagination(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := entry("alice", "put", "items")
		e.RecordID = fmt.Sprintf("rec-%d", i)
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Record(context.Background(), e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	page, err := store.Query(context.Background(), &types.AuditFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Newest first, so offset 1 skips rec-4.
	if page[0].RecordID != "rec-3" || page[1].RecordID != "rec-2" {
		t.Fatalf("page = [%s %s], want [rec-3 rec-2]", page[0].RecordID, page[1].RecordID)
	}

	empty, err := store.Query(context.Background(), &types.AuditFilter{Offset: 50})
	if err != nil {
		t.Fatalf("Query past end: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("past-end page = %d entries, want 0", len(empty))
	}
}

func TestMemoryStoreEvictsOldestOnOverflow(t *testing.T) {
	store := newTestMemoryStore(t, &types.AuditConfig{
		Enabled: true,
		Type:    "memory",
		Config:  map[string]interface{}{"max_entries": 3},
	})

	for i := 0; i < 5; i++ {
		e := entry("alice", "put", "items")
		e.RecordID = fmt.Sprintf("rec-%d", i)
		if err := store.Record(context.Background(), e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	count, err := store.Count(context.Background(), nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3 after overflow", count)
	}

	remaining, _ := store.Query(context.Background(), nil)
	for _, e := range remaining {
		if e.RecordID == "rec-0" || e.RecordID == "rec-1" {
			t.Fatalf("entry %s must have been evicted", e.RecordID)
		}
	}
}

func TestMemoryStorePurge(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		e := entry("alice", "put", "items")
		e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.Record(context.Background(), e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	purged, err := store.Purge(context.Background(), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}

	count, _ := store.Count(context.Background(), nil)
	if count != 2 {
		t.Fatalf("count after purge = %d, want 2", count)
	}
}

func TestMemoryStoreClonesEntries(t *testing.T) {
	store := newTestMemoryStore(t, nil)

	original := entry("alice", "put", "items")
	original.Metadata = map[string]string{"request_id": "r-1"}
	if err := store.Record(context.Background(), original); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Mutating the caller's entry after Record must not leak into the store.
	original.Actor = "mallory"
	original.Metadata["request_id"] = "r-2"

	entries, _ := store.Query(context.Background(), nil)
	if entries[0].Actor != "alice" {
		t.Fatalf("stored actor = %s, want alice", entries[0].Actor)
	}
	if entries[0].Metadata["request_id"] != "r-1" {
		t.Fatalf("stored metadata = %s, want r-1", entries[0].Metadata["request_id"])
	}
}
