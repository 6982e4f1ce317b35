package grading

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/ags"
	"github.com/openbookpress/booktool/internal/registry"
	"github.com/openbookpress/booktool/internal/scale"
)

// LaunchContext records where a user's grades for a unit are pushed.
type LaunchContext struct {
	LocalUser      string
	UnitID         string
	PlatformIssuer string
	PlatformSub    string
	LineItemURL    string
	Scopes         []string
	ResourceLinkID string
	UpdatedAt      time.Time
}

// SyncEntry is one row of the grade sync audit log.
type SyncEntry struct {
	LocalUser    string
	UnitID       string
	ResultRef    string
	ScoreSent    float64
	MaxScore     float64
	SyncedAt     time.Time
	Status       string // success | failed
	ErrorMessage string
}

// ConfigStore loads unit grading configuration.
type ConfigStore interface {
	Config(ctx context.Context, unitID string) (Config, bool, error)
	SaveConfig(ctx context.Context, cfg Config) error
}

// AttemptStore persists finished activity attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	// Attempts returns a user's attempts at an activity, oldest first.
	Attempts(ctx context.Context, localUser, activityID string) ([]Attempt, error)
	// UsersWithAttempts lists users who attempted any of the activities.
	UsersWithAttempts(ctx context.Context, activityIDs []string) ([]string, error)
}

// ContextStore persists launch contexts.
type ContextStore interface {
	SaveLaunchContext(ctx context.Context, lc LaunchContext) error
	LaunchContext(ctx context.Context, localUser, unitID string) (LaunchContext, bool, error)
}

// SyncLogStore records every push outcome.
type SyncLogStore interface {
	Append(ctx context.Context, e SyncEntry) error
}

// AGSPoster is the slice of the AGS client the engine needs.
type AGSPoster interface {
	PostScore(ctx context.Context, p registry.Platform, lineItemURL string, granted []string, s ags.Score) (ags.PostResult, error)
	FetchLineItem(ctx context.Context, p registry.Platform, lineItemURL string, granted []string) (*ags.LineItem, error)
}

// ActivityResolver lists the gradable activities of a unit, used when
// a unit has no explicit activity configuration.
type ActivityResolver interface {
	UnitActivities(unitID string) []string
}

// Engine aggregates attempts into unit grades and publishes them.
type Engine struct {
	Configs   ConfigStore
	Attempts  AttemptStore
	Contexts  ContextStore
	Platforms registry.PlatformStore
	AGS       AGSPoster
	SyncLog   SyncLogStore
	Content   ActivityResolver
	Log       *zap.Logger
	Now       func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitResult records a finished attempt and pushes the resulting
// grade. The in-flight attempt takes part in the computation before it
// is persisted, so the platform sees it immediately. Push failures are
// logged, not returned; the attempt is never lost to a sync error.
func (e *Engine) SubmitResult(ctx context.Context, unitID string, a Attempt) error {
	lc, found, err := e.Contexts.LaunchContext(ctx, a.LocalUser, unitID)
	if err != nil {
		return fmt.Errorf("grading: load launch context: %w", err)
	}

	if found {
		e.push(ctx, unitID, lc, a)
	} else {
		e.Log.Debug("no launch context, attempt recorded without sync",
			zap.String("user", a.LocalUser),
			zap.String("unit", unitID))
	}

	if err := e.Attempts.RecordAttempt(ctx, a); err != nil {
		return fmt.Errorf("grading: record attempt: %w", err)
	}
	return nil
}

// LineItemWanted reports whether grading is switched on for the unit
// and the unit has activities to grade. Deep link selections request
// a gradebook column only when this holds, so platforms never grow
// columns that nothing will ever fill.
func (e *Engine) LineItemWanted(ctx context.Context, unitID string) bool {
	cfg, configured, err := e.Configs.Config(ctx, unitID)
	if err != nil || !configured || !cfg.Enabled {
		return false
	}
	if len(cfg.Activities) > 0 {
		return true
	}
	return len(e.Content.UnitActivities(unitID)) > 0
}

// push computes the score for the unit and posts it. inflight, when
// non-zero, is folded into its activity's attempt history.
func (e *Engine) push(ctx context.Context, unitID string, lc LaunchContext, inflight Attempt) {
	cfg, configured, err := e.Configs.Config(ctx, unitID)
	if err != nil {
		e.logSync(ctx, lc, 0, 0, fmt.Errorf("load config: %w", err))
		return
	}

	var sc Score
	var ok bool
	if !configured || !cfg.Enabled {
		// Aggregation off: the single activity's own result goes up.
		sc, ok = singleActivityScore(inflight)
	} else {
		if len(cfg.Activities) == 0 {
			cfg.Activities = defaultActivities(e.Content.UnitActivities(unitID))
		}
		sc, ok, err = e.unitScore(ctx, cfg, inflight)
		if err != nil {
			e.logSync(ctx, lc, 0, 0, err)
			return
		}
	}
	if !ok {
		e.Log.Debug("nothing to score", zap.String("unit", unitID), zap.String("user", lc.LocalUser))
		return
	}

	// postScore logs success and failure itself.
	_ = e.postScore(ctx, lc, sc)
}

// unitScore combines the user's reduced activity scores into the raw
// unit aggregate.
func (e *Engine) unitScore(ctx context.Context, cfg Config, inflight Attempt) (Score, bool, error) {
	type reduced struct {
		score Score
		cfg   ActivityConfig
	}
	var parts []reduced
	for _, ac := range cfg.Activities {
		if !ac.IncludeInScoring {
			continue
		}
		attempts, err := e.Attempts.Attempts(ctx, inflight.LocalUser, ac.ActivityID)
		if err != nil {
			return Score{}, false, fmt.Errorf("load attempts for %s: %w", ac.ActivityID, err)
		}
		if inflight.ActivityID == ac.ActivityID {
			attempts = append(attempts, inflight)
		}
		sc, ok := ac.Scheme.Reduce(attempts)
		if !ok || sc.Max <= 0 {
			continue
		}
		parts = append(parts, reduced{score: sc, cfg: ac})
	}
	if len(parts) == 0 {
		return Score{}, false, nil
	}

	switch cfg.Aggregate {
	case AggregateAverage:
		// Raw sums divided by the count of every included activity,
		// attempted or not. The percentage is unchanged by the division;
		// the divided pair is what goes on the wire.
		var n int
		for _, ac := range cfg.Activities {
			if ac.IncludeInScoring {
				n++
			}
		}
		var score, max float64
		for _, p := range parts {
			score += p.score.Score
			max += p.score.Max
		}
		if n == 0 || max == 0 {
			return Score{}, false, nil
		}
		return Score{Score: score / float64(n), Max: max / float64(n)}, true, nil
	case AggregateWeighted:
		// Weighted posts the weighted fraction sum over the weight sum.
		var num, den float64
		for _, p := range parts {
			num += (p.score.Score / p.score.Max) * p.cfg.Weight
			den += p.cfg.Weight
		}
		if den == 0 {
			return Score{}, false, nil
		}
		return Score{Score: num, Max: den}, true, nil
	default: // sum
		var score, max float64
		for _, p := range parts {
			score += p.score.Score
			max += p.score.Max
		}
		if max == 0 {
			return Score{}, false, nil
		}
		return Score{Score: score, Max: max}, true, nil
	}
}

func singleActivityScore(a Attempt) (Score, bool) {
	if a.ActivityID == "" || a.MaxScore <= 0 {
		return Score{}, false
	}
	return Score{Score: a.Score, Max: a.MaxScore}, true
}

func defaultActivities(ids []string) []ActivityConfig {
	out := make([]ActivityConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, ActivityConfig{ActivityID: id, IncludeInScoring: true, Scheme: SchemeBest, Weight: 1})
	}
	return out
}

func (e *Engine) logSync(ctx context.Context, lc LaunchContext, score, max float64, syncErr error) {
	entry := SyncEntry{
		LocalUser: lc.LocalUser,
		UnitID:    lc.UnitID,
		ResultRef: lc.ResourceLinkID,
		ScoreSent: score,
		MaxScore:  max,
		SyncedAt:  e.now(),
		Status:    "success",
	}
	if syncErr != nil {
		entry.Status = "failed"
		entry.ErrorMessage = syncErr.Error()
		e.Log.Warn("grade sync failed",
			zap.String("user", lc.LocalUser),
			zap.String("unit", lc.UnitID),
			zap.Error(syncErr))
	} else {
		e.Log.Info("grade synced",
			zap.String("user", lc.LocalUser),
			zap.String("unit", lc.UnitID),
			zap.Float64("score", score),
			zap.Float64("max", max))
	}
	if err := e.SyncLog.Append(ctx, entry); err != nil {
		e.Log.Error("append sync log", zap.Error(err))
	}
}

// Summary reports a Resync batch.
type Summary struct {
	Success int
	Skipped int
	Failed  int
	Errors  []string
}

// Resync recomputes and re-pushes grades for every user who attempted
// a unit's activities, or for just localUser when it is non-empty.
// Users without a stored launch context are skipped. Failures do not
// stop the batch.
func (e *Engine) Resync(ctx context.Context, unitID, localUser string) (Summary, error) {
	var sum Summary

	cfg, configured, err := e.Configs.Config(ctx, unitID)
	if err != nil {
		return sum, fmt.Errorf("grading: load config: %w", err)
	}
	if !configured || !cfg.Enabled {
		return sum, fmt.Errorf("grading: unit %s has aggregation disabled", unitID)
	}
	if len(cfg.Activities) == 0 {
		cfg.Activities = defaultActivities(e.Content.UnitActivities(unitID))
	}

	var users []string
	if localUser != "" {
		users = []string{localUser}
	} else {
		ids := make([]string, 0, len(cfg.Activities))
		for _, ac := range cfg.Activities {
			ids = append(ids, ac.ActivityID)
		}
		users, err = e.Attempts.UsersWithAttempts(ctx, ids)
		if err != nil {
			return sum, fmt.Errorf("grading: list users: %w", err)
		}
	}

	for _, user := range users {
		lc, found, err := e.Contexts.LaunchContext(ctx, user, unitID)
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", user, err))
			continue
		}
		if !found {
			sum.Skipped++
			continue
		}
		sc, ok, err := e.unitScore(ctx, cfg, Attempt{LocalUser: user})
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", user, err))
			continue
		}
		if !ok {
			sum.Skipped++
			continue
		}
		if err := e.postScore(ctx, lc, sc); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", user, err))
			continue
		}
		sum.Success++
	}
	return sum, nil
}

// postScore sends the raw aggregate, replacing it with the mapped
// value only when the line item identifies a banded scale.
func (e *Engine) postScore(ctx context.Context, lc LaunchContext, sc Score) error {
	platform, err := e.Platforms.FindByIssuer(ctx, lc.PlatformIssuer)
	if err != nil {
		e.logSync(ctx, lc, 0, 0, err)
		return err
	}
	final := sc
	if li, err := e.AGS.FetchLineItem(ctx, platform, lc.LineItemURL, lc.Scopes); err == nil && li != nil {
		if kind := scale.Detect(li.ScoreMaximum); kind.Banded() {
			m := scale.Map(sc.Percentage(), kind)
			final = Score{Score: m.Score, Max: m.Max}
		}
	}
	res, err := e.AGS.PostScore(ctx, platform, lc.LineItemURL, lc.Scopes, ags.Score{
		UserID:           lc.PlatformSub,
		ScoreGiven:       final.Score,
		ScoreMaximum:     final.Max,
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
		Timestamp:        e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logSync(ctx, lc, final.Score, final.Max, err)
		return err
	}
	if !res.OK {
		err := fmt.Errorf("platform returned %d: %s", res.Status, res.Err)
		e.logSync(ctx, lc, final.Score, final.Max, err)
		return err
	}
	e.logSync(ctx, lc, final.Score, final.Max, nil)
	return nil
}
