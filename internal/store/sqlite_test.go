package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "nested", "patcher.db")
	store, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	// Reopening runs no migrations twice
	store.Close()
	store, err = New(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	store.Close()
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListRuns("", 0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// Run Tests
// ============================================================================

func TestCreateAndUpdateRun(t *testing.T) {
	s := newTestStore(t)

	start := time.Now().UTC().Truncate(time.Second)
	run := &Run{
		UID:              "run-1",
		Root:             "/srv/game",
		Mode:             "apply",
		ManifestLocation: "https://example.com/manifest.json",
		StartTime:        start,
		Status:           StatusRunning,
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("Expected ID to be set after CreateRun")
	}

	run.ManifestVersion = "1.2.0"
	run.FilesAdded = 2
	run.FilesUpdated = 1
	run.FilesSkipped = 5
	run.BytesTransferred = 4096
	run.EndTime = start.Add(3 * time.Second)
	run.Status = StatusSuccess
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.FilesAdded != 2 || got.FilesUpdated != 1 || got.FilesSkipped != 5 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if got.Status != StatusSuccess || got.ManifestVersion != "1.2.0" {
		t.Errorf("unexpected status/version: %s %s", got.Status, got.ManifestVersion)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("start time mismatch: %v vs %v", got.StartTime, start)
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(&Run{ID: 42})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunsAndLastAppliedVersion(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	runs := []Run{
		{UID: "a", Root: "/r1", Mode: "apply", ManifestVersion: "1.0", Status: StatusSuccess, StartTime: base},
		{UID: "b", Root: "/r1", Mode: "apply", ManifestVersion: "1.1", Status: StatusPartial, StartTime: base.Add(time.Minute)},
		{UID: "c", Root: "/r1", Mode: "verify", ManifestVersion: "1.2", Status: StatusSuccess, StartTime: base.Add(2 * time.Minute)},
		{UID: "d", Root: "/r2", Mode: "apply", ManifestVersion: "9.0", Status: StatusSuccess, StartTime: base.Add(3 * time.Minute)},
	}
	for i := range runs {
		if err := s.CreateRun(&runs[i]); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", runs[i].UID, err)
		}
	}

	r1, err := s.ListRuns("/r1", 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(r1) != 3 || r1[0].UID != "c" {
		t.Fatalf("expected 3 runs for /r1 newest first, got %+v", r1)
	}

	all, err := s.ListRuns("", 2)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(all) != 2 || all[0].UID != "d" {
		t.Fatalf("expected limit 2 newest first, got %+v", all)
	}

	v, err := s.LastAppliedVersion("/r1")
	if err != nil {
		t.Fatalf("LastAppliedVersion() failed: %v", err)
	}
	if v != "1.0" {
		t.Errorf("expected last applied version 1.0, got %q", v)
	}

	v, err = s.LastAppliedVersion("/unknown")
	if err != nil || v != "" {
		t.Errorf("expected empty version for unknown root, got %q, %v", v, err)
	}
}

// ============================================================================
// FileRecord Tests
// ============================================================================

func TestUpsertFileRecord(t *testing.T) {
	s := newTestStore(t)

	rec := &FileRecord{Root: "/r", Path: "data/a.bin", Size: 10, Hash: "md5:aa", AppliedAt: time.Now(), RunID: 1}
	if err := s.UpsertFileRecord(rec); err != nil {
		t.Fatalf("UpsertFileRecord() failed: %v", err)
	}
	firstID := rec.ID

	rec2 := &FileRecord{Root: "/r", Path: "data/a.bin", Size: 20, Hash: "md5:bb", AppliedAt: time.Now(), RunID: 2}
	if err := s.UpsertFileRecord(rec2); err != nil {
		t.Fatalf("UpsertFileRecord() failed: %v", err)
	}
	if rec2.ID != firstID {
		t.Errorf("expected upsert to keep id %d, got %d", firstID, rec2.ID)
	}

	got, err := s.GetFileRecord("/r", "data/a.bin")
	if err != nil {
		t.Fatalf("GetFileRecord() failed: %v", err)
	}
	if got.Size != 20 || got.Hash != "md5:bb" || got.RunID != 2 {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := s.UpsertFileRecord(&FileRecord{Root: "/r", Path: "b", Size: 5, AppliedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	count, _ := s.CountFileRecords("/r")
	size, _ := s.SumFileSize("/r")
	if count != 2 || size != 25 {
		t.Errorf("expected 2 records / 25 bytes, got %d / %d", count, size)
	}

	if _, err := s.GetFileRecord("/r", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// FailedFileRecord Tests
// ============================================================================

func TestFailedFileQueue(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	rec := &FailedFileRecord{
		Root:         "/r",
		FilePath:     "b.txt",
		Source:       "https://cdn/b.txt",
		ExpectedHash: "md5:00",
		ExpectedSize: 20,
		Error:        "size mismatch",
		LastFailure:  now,
	}
	if err := s.AddFailedFile(rec); err != nil {
		t.Fatalf("AddFailedFile() failed: %v", err)
	}

	// Second failure for the same path updates the record
	if err := s.AddFailedFile(&FailedFileRecord{
		Root: "/r", FilePath: "b.txt", Error: "http error 503", LastFailure: now.Add(time.Minute), ExpectedSize: 20,
	}); err != nil {
		t.Fatalf("AddFailedFile() failed: %v", err)
	}
	if err := s.AddFailedFile(&FailedFileRecord{Root: "/other", FilePath: "c.txt", Error: "x", LastFailure: now}); err != nil {
		t.Fatal(err)
	}

	failed, err := s.ListFailedFiles("/r")
	if err != nil {
		t.Fatalf("ListFailedFiles() failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed file, got %d", len(failed))
	}
	if failed[0].RetryCount != 1 || failed[0].Error != "http error 503" || failed[0].Source != "https://cdn/b.txt" {
		t.Errorf("unexpected record after second failure: %+v", failed[0])
	}

	all, _ := s.ListFailedFiles("")
	if len(all) != 2 {
		t.Errorf("expected 2 failed files across roots, got %d", len(all))
	}

	if err := s.ResolveFailedFile("/r", "b.txt"); err != nil {
		t.Fatalf("ResolveFailedFile() failed: %v", err)
	}
	failed, _ = s.ListFailedFiles("/r")
	if len(failed) != 0 {
		t.Errorf("expected queue to be empty after resolve, got %d", len(failed))
	}

	// A new failure after resolution opens a fresh record
	if err := s.AddFailedFile(&FailedFileRecord{Root: "/r", FilePath: "b.txt", Error: "again", LastFailure: now}); err != nil {
		t.Fatal(err)
	}
	failed, _ = s.ListFailedFiles("/r")
	if len(failed) != 1 || failed[0].RetryCount != 0 {
		t.Errorf("expected a fresh record, got %+v", failed)
	}
}
