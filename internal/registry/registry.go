// Package registry stores the platforms and deployments the tool trusts.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrPlatformNotFound is returned when no platform matches an issuer.
var ErrPlatformNotFound = errors.New("registry: platform not found")

// Platform is a single trusted LTI platform registration.
type Platform struct {
	Issuer       string
	ClientID     string
	AuthLoginURL string
	KeySetURL    string
	TokenURL     string
	// SwapDeepLinkAudience controls the iss/aud pair on deep linking
	// response JWTs. Moodle expects iss=client_id, aud=platform issuer.
	SwapDeepLinkAudience bool
	CreatedAt            time.Time
}

// PlatformStore looks up and registers trusted platforms.
type PlatformStore interface {
	FindByIssuer(ctx context.Context, issuer string) (Platform, error)
	Register(ctx context.Context, p Platform) error
}

// DeploymentStore tracks known deployment IDs per platform.
type DeploymentStore interface {
	Exists(ctx context.Context, issuer, deploymentID string) (bool, error)
	Register(ctx context.Context, issuer, deploymentID string) error
}

// SQLPlatforms implements PlatformStore on database/sql.
type SQLPlatforms struct {
	DB *sql.DB
}

func (s *SQLPlatforms) FindByIssuer(ctx context.Context, issuer string) (Platform, error) {
	var p Platform
	var created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT issuer, client_id, auth_login_url, key_set_url, token_url, swap_dl_audience, created_at
		FROM lti_platforms WHERE issuer = $1`, issuer).
		Scan(&p.Issuer, &p.ClientID, &p.AuthLoginURL, &p.KeySetURL, &p.TokenURL, &p.SwapDeepLinkAudience, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, ErrPlatformNotFound
	}
	if err != nil {
		return Platform{}, err
	}
	p.CreatedAt = time.Unix(created, 0)
	return p, nil
}

func (s *SQLPlatforms) Register(ctx context.Context, p Platform) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_platforms (issuer, client_id, auth_login_url, key_set_url, token_url, swap_dl_audience, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (issuer) DO UPDATE SET
		  client_id = EXCLUDED.client_id,
		  auth_login_url = EXCLUDED.auth_login_url,
		  key_set_url = EXCLUDED.key_set_url,
		  token_url = EXCLUDED.token_url,
		  swap_dl_audience = EXCLUDED.swap_dl_audience`,
		p.Issuer, p.ClientID, p.AuthLoginURL, p.KeySetURL, p.TokenURL, p.SwapDeepLinkAudience, created.Unix())
	return err
}

// SQLDeployments implements DeploymentStore on database/sql.
type SQLDeployments struct {
	DB *sql.DB
}

func (s *SQLDeployments) Exists(ctx context.Context, issuer, deploymentID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM lti_deployments WHERE platform_issuer = $1 AND deployment_id = $2`,
		issuer, deploymentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLDeployments) Register(ctx context.Context, issuer, deploymentID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_deployments (platform_issuer, deployment_id)
		VALUES ($1, $2)
		ON CONFLICT (platform_issuer, deployment_id) DO NOTHING`,
		issuer, deploymentID)
	return err
}
