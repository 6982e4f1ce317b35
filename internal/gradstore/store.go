// Package gradstore is the database/sql implementation of the grading
// persistence interfaces.
package gradstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openbookpress/booktool/internal/grading"
)

// Store persists grading configuration, attempts, launch contexts,
// and the sync audit log.
type Store struct {
	DB *sql.DB
}

var (
	_ grading.ConfigStore  = (*Store)(nil)
	_ grading.AttemptStore = (*Store)(nil)
	_ grading.ContextStore = (*Store)(nil)
	_ grading.SyncLogStore = (*Store)(nil)
)

func (s *Store) Config(ctx context.Context, unitID string) (grading.Config, bool, error) {
	var cfg grading.Config
	var aggregate string
	err := s.DB.QueryRowContext(ctx,
		`SELECT unit_id, enabled, aggregate FROM grading_config WHERE unit_id = $1`, unitID).
		Scan(&cfg.UnitID, &cfg.Enabled, &aggregate)
	if errors.Is(err, sql.ErrNoRows) {
		return grading.Config{}, false, nil
	}
	if err != nil {
		return grading.Config{}, false, err
	}
	agg, err := grading.ParseAggregate(aggregate)
	if err != nil {
		return grading.Config{}, false, fmt.Errorf("gradstore: unit %s: %w", unitID, err)
	}
	cfg.Aggregate = agg

	rows, err := s.DB.QueryContext(ctx, `
		SELECT activity_id, include_in_scoring, scheme, weight
		FROM grading_activities WHERE unit_id = $1 ORDER BY activity_id`, unitID)
	if err != nil {
		return grading.Config{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var ac grading.ActivityConfig
		var scheme string
		if err := rows.Scan(&ac.ActivityID, &ac.IncludeInScoring, &scheme, &ac.Weight); err != nil {
			return grading.Config{}, false, err
		}
		sc, err := grading.ParseScheme(scheme)
		if err != nil {
			return grading.Config{}, false, fmt.Errorf("gradstore: unit %s activity %s: %w", unitID, ac.ActivityID, err)
		}
		ac.Scheme = sc
		cfg.Activities = append(cfg.Activities, ac)
	}
	return cfg, true, rows.Err()
}

func (s *Store) SaveConfig(ctx context.Context, cfg grading.Config) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grading_config (unit_id, enabled, aggregate) VALUES ($1, $2, $3)
		ON CONFLICT (unit_id) DO UPDATE SET enabled = EXCLUDED.enabled, aggregate = EXCLUDED.aggregate`,
		cfg.UnitID, cfg.Enabled, string(cfg.Aggregate)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM grading_activities WHERE unit_id = $1`, cfg.UnitID); err != nil {
		return err
	}
	for _, ac := range cfg.Activities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grading_activities (unit_id, activity_id, include_in_scoring, scheme, weight)
			VALUES ($1, $2, $3, $4, $5)`,
			cfg.UnitID, ac.ActivityID, ac.IncludeInScoring, string(ac.Scheme), ac.Weight); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RecordAttempt(ctx context.Context, a grading.Attempt) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attempts (local_user, activity_id, score, max_score, finished_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.LocalUser, a.ActivityID, a.Score, a.MaxScore, a.FinishedAt.Unix())
	return err
}

func (s *Store) Attempts(ctx context.Context, localUser, activityID string) ([]grading.Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT local_user, activity_id, score, max_score, finished_at
		FROM attempts WHERE local_user = $1 AND activity_id = $2
		ORDER BY finished_at, id`, localUser, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grading.Attempt
	for rows.Next() {
		var a grading.Attempt
		var finished int64
		if err := rows.Scan(&a.LocalUser, &a.ActivityID, &a.Score, &a.MaxScore, &finished); err != nil {
			return nil, err
		}
		a.FinishedAt = time.Unix(finished, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UsersWithAttempts(ctx context.Context, activityIDs []string) ([]string, error) {
	if len(activityIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(activityIDs))
	args := make([]any, len(activityIDs))
	for i, id := range activityIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT local_user FROM attempts
		WHERE activity_id IN (%s) ORDER BY local_user`, strings.Join(placeholders, ", "))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SaveLaunchContext(ctx context.Context, lc grading.LaunchContext) error {
	scopes, err := json.Marshal(lc.Scopes)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO launch_contexts
		  (local_user, unit_id, platform_issuer, platform_sub, lineitem_url, scopes, resource_link_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (local_user, unit_id) DO UPDATE SET
		  platform_issuer = EXCLUDED.platform_issuer,
		  platform_sub = EXCLUDED.platform_sub,
		  lineitem_url = EXCLUDED.lineitem_url,
		  scopes = EXCLUDED.scopes,
		  resource_link_id = EXCLUDED.resource_link_id,
		  updated_at = EXCLUDED.updated_at`,
		lc.LocalUser, lc.UnitID, lc.PlatformIssuer, lc.PlatformSub, lc.LineItemURL,
		string(scopes), lc.ResourceLinkID, lc.UpdatedAt.Unix())
	return err
}

func (s *Store) LaunchContext(ctx context.Context, localUser, unitID string) (grading.LaunchContext, bool, error) {
	var lc grading.LaunchContext
	var scopes string
	var updated int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT local_user, unit_id, platform_issuer, platform_sub, lineitem_url, scopes, resource_link_id, updated_at
		FROM launch_contexts WHERE local_user = $1 AND unit_id = $2`, localUser, unitID).
		Scan(&lc.LocalUser, &lc.UnitID, &lc.PlatformIssuer, &lc.PlatformSub, &lc.LineItemURL, &scopes, &lc.ResourceLinkID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return grading.LaunchContext{}, false, nil
	}
	if err != nil {
		return grading.LaunchContext{}, false, err
	}
	if err := json.Unmarshal([]byte(scopes), &lc.Scopes); err != nil {
		return grading.LaunchContext{}, false, fmt.Errorf("gradstore: scopes for %s/%s: %w", localUser, unitID, err)
	}
	lc.UpdatedAt = time.Unix(updated, 0)
	return lc, true, nil
}

func (s *Store) Append(ctx context.Context, e grading.SyncEntry) error {
	var errMsg any
	if e.ErrorMessage != "" {
		errMsg = e.ErrorMessage
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO grade_sync_log
		  (local_user, unit_id, result_ref, score_sent, max_score, synced_at, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.LocalUser, e.UnitID, e.ResultRef, e.ScoreSent, e.MaxScore, e.SyncedAt.Unix(), e.Status, errMsg)
	return err
}
