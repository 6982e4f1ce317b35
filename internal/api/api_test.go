package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/ags"
	"github.com/openbookpress/booktool/internal/grading"
	"github.com/openbookpress/booktool/internal/registry"
)

type stubConfigs struct{ cfg grading.Config }

func (s *stubConfigs) Config(context.Context, string) (grading.Config, bool, error) {
	return s.cfg, true, nil
}
func (s *stubConfigs) SaveConfig(context.Context, grading.Config) error { return nil }

type stubAttempts struct {
	byUser map[string][]grading.Attempt
	users  []string
}

func (s *stubAttempts) RecordAttempt(context.Context, grading.Attempt) error { return nil }
func (s *stubAttempts) Attempts(_ context.Context, user, _ string) ([]grading.Attempt, error) {
	return s.byUser[user], nil
}
func (s *stubAttempts) UsersWithAttempts(context.Context, []string) ([]string, error) {
	return s.users, nil
}

type stubContexts struct{ byUser map[string]grading.LaunchContext }

func (s *stubContexts) SaveLaunchContext(context.Context, grading.LaunchContext) error { return nil }
func (s *stubContexts) LaunchContext(_ context.Context, user, _ string) (grading.LaunchContext, bool, error) {
	lc, ok := s.byUser[user]
	return lc, ok, nil
}

type stubPlatforms struct{}

func (stubPlatforms) FindByIssuer(context.Context, string) (registry.Platform, error) {
	return registry.Platform{Issuer: "https://lms.example.edu"}, nil
}
func (stubPlatforms) Register(context.Context, registry.Platform) error { return nil }

type stubAGS struct{ posted []ags.Score }

func (s *stubAGS) PostScore(_ context.Context, _ registry.Platform, _ string, _ []string, sc ags.Score) (ags.PostResult, error) {
	s.posted = append(s.posted, sc)
	return ags.PostResult{OK: true, Status: 204}, nil
}
func (s *stubAGS) FetchLineItem(context.Context, registry.Platform, string, []string) (*ags.LineItem, error) {
	return nil, nil
}

type stubSyncLog struct{}

func (stubSyncLog) Append(context.Context, grading.SyncEntry) error { return nil }

type stubContent struct{}

func (stubContent) UnitActivities(string) []string { return nil }

func resyncFixture(t *testing.T) (*Handler, *stubAGS) {
	t.Helper()
	poster := &stubAGS{}
	lc := func(user string) grading.LaunchContext {
		return grading.LaunchContext{
			LocalUser:      user,
			UnitID:         "unit-1",
			PlatformIssuer: "https://lms.example.edu",
			PlatformSub:    "sub-" + user,
			LineItemURL:    "https://lms.example.edu/li/1",
			Scopes:         []string{ags.ScopeScore},
		}
	}
	engine := &grading.Engine{
		Configs: &stubConfigs{cfg: grading.Config{
			UnitID:    "unit-1",
			Enabled:   true,
			Aggregate: grading.AggregateSum,
			Activities: []grading.ActivityConfig{
				{ActivityID: "a1", IncludeInScoring: true, Scheme: grading.SchemeBest, Weight: 1},
			},
		}},
		Attempts: &stubAttempts{
			users: []string{"u1", "u2"},
			byUser: map[string][]grading.Attempt{
				"u1": {{LocalUser: "u1", ActivityID: "a1", Score: 7, MaxScore: 10}},
				"u2": {{LocalUser: "u2", ActivityID: "a1", Score: 9, MaxScore: 10}},
			},
		},
		Contexts:  &stubContexts{byUser: map[string]grading.LaunchContext{"u1": lc("u1"), "u2": lc("u2")}},
		Platforms: stubPlatforms{},
		AGS:       poster,
		SyncLog:   stubSyncLog{},
		Content:   stubContent{},
		Log:       zap.NewNop(),
	}
	return &Handler{Engine: engine, Log: zap.NewNop()}, poster
}

func TestResyncScopedToUser(t *testing.T) {
	h, poster := resyncFixture(t)
	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/units/unit-1/resync?user=u2", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var sum struct {
		Success int `json:"success"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Success != 1 || sum.Skipped != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(poster.posted) != 1 || poster.posted[0].UserID != "sub-u2" {
		t.Fatalf("posted: %+v", poster.posted)
	}
}

func TestResyncBodyUser(t *testing.T) {
	h, poster := resyncFixture(t)

	body, _ := json.Marshal(map[string]string{"unit_id": "unit-1", "user": "u1"})
	rec := httptest.NewRecorder()
	h.ResyncBody(rec, httptest.NewRequest("POST", "/lti/resync", bytes.NewReader(body)))
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(poster.posted) != 1 || poster.posted[0].UserID != "sub-u1" {
		t.Fatalf("posted: %+v", poster.posted)
	}
}

func TestResyncAllUsers(t *testing.T) {
	h, poster := resyncFixture(t)
	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/units/unit-1/resync", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(poster.posted) != 2 {
		t.Fatalf("posted %d scores, want 2", len(poster.posted))
	}
}
