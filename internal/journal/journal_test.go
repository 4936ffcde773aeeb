package journal_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/chainwatch/internal/journal"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// openMemJournal opens an in-memory Journal and registers t.Cleanup to close
// it.
func openMemJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func record(t *testing.T, j *journal.Journal, e journal.Entry) {
	t.Helper()
	if err := j.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_InMemory_Empty(t *testing.T) {
	j := openMemJournal(t)
	entries, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Recent = %d entries after open, want 0", len(entries))
	}
}

func TestOpen_FileDB_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open(%q): %v", path, err)
	}
	record(t, j, journal.Entry{Watch: "app", Kind: journal.KindAppeared, Path: "/etc/app.conf"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = journal.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	entries, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/etc/app.conf" {
		t.Errorf("entries after reopen = %+v", entries)
	}
}

// ---------------------------------------------------------------------------
// Record / Recent
// ---------------------------------------------------------------------------

func TestRecord_AssignsIDAndTime(t *testing.T) {
	j := openMemJournal(t)
	before := time.Now().Add(-time.Second)
	record(t, j, journal.Entry{Watch: "app", Kind: journal.KindModified})

	entries, err := j.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Recent returned %d entries, want 1", len(entries))
	}
	if _, err := uuid.Parse(entries[0].ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", entries[0].ID, err)
	}
	if entries[0].Time.Before(before) {
		t.Errorf("Time = %v, want after %v", entries[0].Time, before)
	}
}

func TestRecord_KeepsGivenIDAndDetail(t *testing.T) {
	j := openMemJournal(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC)
	record(t, j, journal.Entry{
		ID:     "fixed-id",
		Watch:  "peers",
		Kind:   journal.KindRestarted,
		Time:   ts,
		Detail: map[string]any{"error": "boom"},
	})

	entries, err := j.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	e := entries[0]
	if e.ID != "fixed-id" || e.Watch != "peers" || e.Kind != journal.KindRestarted {
		t.Errorf("entry = %+v", e)
	}
	if !e.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", e.Time, ts)
	}
	if e.Detail["error"] != "boom" {
		t.Errorf("Detail = %v", e.Detail)
	}
}

func TestRecord_DuplicateIDFails(t *testing.T) {
	j := openMemJournal(t)
	record(t, j, journal.Entry{ID: "dup", Watch: "app", Kind: journal.KindAppeared})
	if err := j.Record(context.Background(), journal.Entry{ID: "dup", Watch: "app", Kind: journal.KindAppeared}); err == nil {
		t.Error("expected error recording a duplicate ID")
	}
}

func TestRecent_NewestFirstAndLimited(t *testing.T) {
	j := openMemJournal(t)
	for i := 0; i < 5; i++ {
		record(t, j, journal.Entry{Watch: "app", Kind: journal.KindModified, Path: fmt.Sprintf("/f%d", i)})
	}

	entries, err := j.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(entries))
	}
	for i, want := range []string{"/f4", "/f3", "/f2"} {
		if entries[i].Path != want {
			t.Errorf("entries[%d].Path = %q, want %q", i, entries[i].Path, want)
		}
	}
}

func TestRecent_NonPositiveLimit(t *testing.T) {
	j := openMemJournal(t)
	record(t, j, journal.Entry{Watch: "app", Kind: journal.KindAppeared})
	entries, err := j.Recent(context.Background(), 0)
	if err != nil || entries != nil {
		t.Errorf("Recent(0) = %v, %v; want nil, nil", entries, err)
	}
}

// ---------------------------------------------------------------------------
// CountByWatch
// ---------------------------------------------------------------------------

func TestCountByWatch(t *testing.T) {
	j := openMemJournal(t)
	for i := 0; i < 3; i++ {
		record(t, j, journal.Entry{Watch: "app", Kind: journal.KindModified})
	}
	record(t, j, journal.Entry{Watch: "peers", Kind: journal.KindAppeared})

	counts, err := j.CountByWatch(context.Background())
	if err != nil {
		t.Fatalf("CountByWatch: %v", err)
	}
	if counts["app"] != 3 || counts["peers"] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecord_CancelledContext(t *testing.T) {
	j := openMemJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Record(ctx, journal.Entry{Watch: "app", Kind: journal.KindAppeared}); err == nil {
		t.Error("expected error recording with a cancelled context")
	}
}
