package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Use in-memory database for tests
	database := &DB{path: ":memory:"}
	var err error
	database.DB, err = openDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	// Every pooled connection would get its own in-memory database.
	database.SetMaxOpenConns(1)

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return database
}

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lepi.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := db.GetArtifactTypeID("canonical_image"); err != nil {
		t.Errorf("seeded artifact type missing: %v", err)
	}

	// Reopening an initialized ledger must not fail on the seed inserts.
	db.Close()
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runID, err := db.CreateRun("fetch", "data/dataset.csv", "rotation", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunRunning || run.FinishedAt.Valid {
		t.Errorf("new run = %+v, want running and unfinished", run)
	}

	stats := RunStats{RecordCount: 10, SuccessCount: 9, CachedCount: 4, FailedCount: 1}
	if err := db.FinishRun(runID, stats, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = db.GetRun(runID[:8])
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if run.Status != RunSucceeded || !run.FinishedAt.Valid {
		t.Errorf("finished run status = %q finished=%v", run.Status, run.FinishedAt.Valid)
	}
	got := RunStats{run.RecordCount, run.SuccessCount, run.CachedCount, run.FailedCount}
	if diff := cmp.Diff(stats, got); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
	if run.AugmentMode != "rotation" || run.Features != "" {
		t.Errorf("augment=%q features=%q", run.AugmentMode, run.Features)
	}
}

func TestFinishRun_Failure(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runID, err := db.CreateRun("extract", "m.csv", "", "lbp")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.FinishRun(runID, RunStats{}, errors.New("cache inconsistency")); err != nil {
		t.Fatal(err)
	}
	run, err := db.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailed || run.ErrorMessage != "cache inconsistency" {
		t.Errorf("run = %+v", run)
	}
}

func TestRunNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if _, err := db.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun err = %v, want ErrRunNotFound", err)
	}
	if err := db.FinishRun("nope", RunStats{}, nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishRun err = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := db.CreateRun("fetch", "m.csv", "", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Same-second timestamps fall back to insertion order, newest first.
	if runs[0].RunID != ids[2] || runs[1].RunID != ids[1] {
		t.Errorf("order = [%s %s], want [%s %s]", runs[0].RunID, runs[1].RunID, ids[2], ids[1])
	}
}

func TestInsertSource(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	tests := []struct {
		ref        string
		wantScheme string
		wantHost   string
	}{
		{"https://img.example.org/a.jpg", "https", "img.example.org"},
		{"s3://bucket/key.jpg", "s3", "bucket"},
		{"/data/raw/a.jpg", "file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, err := db.InsertSource(tt.ref)
			if err != nil {
				t.Fatalf("InsertSource: %v", err)
			}
			again, err := db.InsertSource(tt.ref)
			if err != nil {
				t.Fatal(err)
			}
			if again != id {
				t.Errorf("second insert id = %d, want %d", again, id)
			}

			var scheme, host string
			err = db.QueryRow("SELECT scheme, COALESCE(host, '') FROM sources WHERE source_id = ?", id).Scan(&scheme, &host)
			if err != nil {
				t.Fatal(err)
			}
			if scheme != tt.wantScheme || host != tt.wantHost {
				t.Errorf("scheme=%q host=%q, want %q %q", scheme, host, tt.wantScheme, tt.wantHost)
			}
		})
	}
}

func TestFetchAttempts(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runID, err := db.CreateRun("fetch", "m.csv", "", "")
	if err != nil {
		t.Fatal(err)
	}

	attempts := []FetchAttempt{
		{RunID: runID, SourceRef: "http://x/0.jpg", RecordIndex: 0, Category: "A", Success: true, LocalPath: "cache_db/A/0_0.png"},
		{RunID: runID, SourceRef: "http://x/1.jpg", RecordIndex: 1, Category: "A", ErrorType: "network_error", ErrorMessage: "502"},
		{RunID: runID, SourceRef: "http://x/2.jpg", RecordIndex: 2, Category: "B", Cached: true, Success: true, LocalPath: "cache_db/B/2_0.png"},
		{RunID: runID, SourceRef: "http://x/3.jpg", RecordIndex: 3, Category: "B", ErrorType: "timeout", ErrorMessage: "deadline"},
		{RunID: runID, SourceRef: "http://x/4.jpg", RecordIndex: 4, Category: "B", ErrorType: "timeout", ErrorMessage: "deadline"},
	}
	if err := db.RecordFetchAttempts(attempts); err != nil {
		t.Fatalf("RecordFetchAttempts: %v", err)
	}
	// Re-recording the same run replaces rows instead of duplicating them.
	if err := db.RecordFetchAttempts(attempts[:1]); err != nil {
		t.Fatalf("RecordFetchAttempts again: %v", err)
	}

	failures, err := db.RunFailures(runID)
	if err != nil {
		t.Fatalf("RunFailures: %v", err)
	}
	var indices []int
	for _, f := range failures {
		indices = append(indices, f.RecordIndex)
	}
	if diff := cmp.Diff([]int{1, 3, 4}, indices); diff != "" {
		t.Errorf("failure indices (-want +got):\n%s", diff)
	}
	if failures[0].SourceRef != "http://x/1.jpg" {
		t.Errorf("SourceRef = %q", failures[0].SourceRef)
	}

	counts, err := db.ErrorTypeCounts(runID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"network_error": 1, "timeout": 2}, counts); diff != "" {
		t.Errorf("error counts (-want +got):\n%s", diff)
	}
}

func TestFetchAttempts_UnknownRunRejected(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := db.RecordFetchAttempts([]FetchAttempt{{RunID: "missing", SourceRef: "x", Category: "A"}})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestUpsertArtifact(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runID, err := db.CreateRun("extract", "m.csv", "", "lbp")
	if err != nil {
		t.Fatal(err)
	}

	id1, err := db.UpsertArtifact(runID, "http://x/0.jpg", "lbp", "cache_lbp/A/0_0.png", "aaa", 10)
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	id2, err := db.UpsertArtifact(runID, "http://x/0.jpg", "lbp", "cache_lbp/A/0_0.png", "bbb", 12)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a new row: %d != %d", id1, id2)
	}
	// Feature ids outside the seed list register themselves.
	if _, err := db.UpsertArtifact("", "http://x/0.jpg", "hog", "cache_hog/A/0_0.bin", "ccc", 3); err != nil {
		t.Fatalf("UpsertArtifact new type: %v", err)
	}

	got, err := db.ListArtifacts("http://x/0.jpg")
	if err != nil {
		t.Fatal(err)
	}
	want := []ArtifactInfo{
		{ArtifactID: got[0].ArtifactID, TypeName: "hog", FilePath: "cache_hog/A/0_0.bin", ContentHash: "ccc", SizeBytes: 3},
		{ArtifactID: id1, TypeName: "lbp", FilePath: "cache_lbp/A/0_0.png", ContentHash: "bbb", SizeBytes: 12},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("artifacts (-want +got):\n%s", diff)
	}
}
