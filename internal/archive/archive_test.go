package archive_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/archive"
	"github.com/MrWong99/sayless/internal/delivery"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SAYLESS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SAYLESS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAYLESS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS flushes`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := archive.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func result(id, user string, outcome aggregator.Outcome, finished time.Time) aggregator.Result {
	return aggregator.Result{
		FlushID:    id,
		UserID:     user,
		Outcome:    outcome,
		Transcript: "transcript " + id,
		Summary:    "summary " + id,
		Segments:   2,
		MessageIDs: []string{id + "-a", id + "-b"},
		Audio:      4500 * time.Millisecond,
		Target:     delivery.Target{Platform: delivery.PlatformLINE, UserID: user},
		Delivered:  true,
		Started:    finished.Add(-time.Second),
		Finished:   finished,
	}
}

func TestEntryFromResult(t *testing.T) {
	t.Parallel()

	res := result("f1", "U1", aggregator.OutcomeSummarizationFailed, time.Unix(1700000000, 0))
	res.Err = errors.New("llm down")
	res.MessageIDs = nil

	e := archive.EntryFromResult(res)
	if e.Platform != "line" || e.Error != "llm down" || e.Audio != 4500*time.Millisecond {
		t.Errorf("entry = %+v", e)
	}
	if e.MessageIDs == nil {
		t.Error("MessageIDs must be non-nil for the NOT NULL column")
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Microsecond)

	for i, r := range []aggregator.Result{
		result("f1", "U1", aggregator.OutcomeOK, base.Add(-3*time.Minute)),
		result("f2", "U1", aggregator.OutcomeTranscriptionFailed, base.Add(-2*time.Minute)),
		result("f3", "U1", aggregator.OutcomeOK, base.Add(-time.Minute)),
		result("f4", "U2", aggregator.OutcomeOK, base),
		{Outcome: aggregator.OutcomeMerged},
	} {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}
	// Recording the same flush again is a no-op.
	if err := store.Record(ctx, result("f1", "U1", aggregator.OutcomeOK, base)); err != nil {
		t.Fatalf("Record duplicate: %v", err)
	}

	got, err := store.Recent(ctx, "U1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].FlushID != "f3" || got[1].FlushID != "f1" {
		t.Fatalf("Recent = %+v, want f3, f1", got)
	}
	e := got[1]
	if e.Summary != "summary f1" || e.Segments != 2 || len(e.MessageIDs) != 2 || e.Audio != 4500*time.Millisecond {
		t.Errorf("entry = %+v", e)
	}
	if !e.FinishedAt.Equal(base.Add(-3 * time.Minute)) {
		t.Errorf("FinishedAt = %v, want the first recording kept", e.FinishedAt)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
