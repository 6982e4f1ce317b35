package gradstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openbookpress/booktool/internal/db"
	"github.com/openbookpress/booktool/internal/grading"
)

var dbSeq int

func testStore(t *testing.T) *Store {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:gradstore_test_%d?mode=memory&cache=shared", dbSeq)
	database, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return &Store{DB: database}
}

func TestConfigRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, found, err := s.Config(ctx, "unit-1"); err != nil || found {
		t.Fatalf("unconfigured unit: found=%v err=%v", found, err)
	}

	cfg := grading.Config{
		UnitID:    "unit-1",
		Enabled:   true,
		Aggregate: grading.AggregateWeighted,
		Activities: []grading.ActivityConfig{
			{ActivityID: "a1", IncludeInScoring: true, Scheme: grading.SchemeBest, Weight: 2},
			{ActivityID: "a2", IncludeInScoring: false, Scheme: grading.SchemeLast, Weight: 1},
		},
	}
	if err := s.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := s.Config(ctx, "unit-1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if !got.Enabled || got.Aggregate != grading.AggregateWeighted || len(got.Activities) != 2 {
		t.Fatalf("config = %+v", got)
	}
	if got.Activities[0].Scheme != grading.SchemeBest || got.Activities[0].Weight != 2 {
		t.Fatalf("activity = %+v", got.Activities[0])
	}
	if got.Activities[1].IncludeInScoring {
		t.Fatalf("excluded activity read back as included")
	}

	// Re-save replaces the activity list.
	cfg.Activities = cfg.Activities[:1]
	if err := s.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, _, _ = s.Config(ctx, "unit-1")
	if len(got.Activities) != 1 {
		t.Fatalf("want 1 activity after re-save, got %d", len(got.Activities))
	}
}

func TestAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	for i, score := range []float64{40, 70, 55} {
		err := s.RecordAttempt(ctx, grading.Attempt{
			LocalUser:  "u1",
			ActivityID: "a1",
			Score:      score,
			MaxScore:   100,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	s.RecordAttempt(ctx, grading.Attempt{LocalUser: "u2", ActivityID: "a2", Score: 1, MaxScore: 2, FinishedAt: base})

	got, err := s.Attempts(ctx, "u1", "a1")
	if err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 attempts, got %d", len(got))
	}
	// Chronological order.
	if got[0].Score != 40 || got[2].Score != 55 {
		t.Fatalf("order wrong: %+v", got)
	}

	users, err := s.UsersWithAttempts(ctx, []string{"a1", "a2"})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("users = %v", users)
	}

	if users, _ := s.UsersWithAttempts(ctx, nil); users != nil {
		t.Fatalf("no activities should list no users")
	}
}

func TestLaunchContextRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, found, err := s.LaunchContext(ctx, "u1", "unit-1"); err != nil || found {
		t.Fatalf("missing context: found=%v err=%v", found, err)
	}

	lc := grading.LaunchContext{
		LocalUser:      "u1",
		UnitID:         "unit-1",
		PlatformIssuer: "https://lms.example.edu",
		PlatformSub:    "sub-9",
		LineItemURL:    "https://lms.example.edu/li/1",
		Scopes:         []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
		ResourceLinkID: "rl-1",
		UpdatedAt:      time.Unix(1_700_000_000, 0),
	}
	if err := s.SaveLaunchContext(ctx, lc); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := s.LaunchContext(ctx, "u1", "unit-1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.LineItemURL != lc.LineItemURL || got.PlatformSub != "sub-9" || len(got.Scopes) != 1 {
		t.Fatalf("context = %+v", got)
	}

	// A later launch overwrites the target line item.
	lc.LineItemURL = "https://lms.example.edu/li/2"
	if err := s.SaveLaunchContext(ctx, lc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, _ = s.LaunchContext(ctx, "u1", "unit-1")
	if got.LineItemURL != "https://lms.example.edu/li/2" {
		t.Fatalf("upsert did not replace line item: %+v", got)
	}
}

func TestSyncLogAppend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []grading.SyncEntry{
		{LocalUser: "u1", UnitID: "unit-1", ScoreSent: 66.67, MaxScore: 100, SyncedAt: time.Unix(1_700_000_000, 0), Status: "success"},
		{LocalUser: "u2", UnitID: "unit-1", SyncedAt: time.Unix(1_700_000_100, 0), Status: "failed", ErrorMessage: "platform returned 403"},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var count int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM grade_sync_log WHERE status = 'failed'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("failed rows = %d", count)
	}
}
