package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:booktool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/booktool?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite should not use many concurrent writers; keep pool small.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer            TEXT PRIMARY KEY,
  client_id         TEXT NOT NULL,
  auth_login_url    TEXT NOT NULL,
  key_set_url       TEXT NOT NULL,
  token_url         TEXT NOT NULL,
  swap_dl_audience  INTEGER NOT NULL DEFAULT 1,
  created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  platform_issuer   TEXT NOT NULL REFERENCES lti_platforms(issuer) ON DELETE CASCADE,
  deployment_id     TEXT NOT NULL,
  PRIMARY KEY (platform_issuer, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  nonce             TEXT PRIMARY KEY,
  expires_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_keys (
  kid               TEXT PRIMARY KEY,
  private_key       TEXT NOT NULL,
  public_key        TEXT NOT NULL,
  created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_secrets (
  issuer            TEXT PRIMARY KEY,
  secret_enc        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_contexts (
  local_user        TEXT NOT NULL,
  unit_id           TEXT NOT NULL,
  platform_issuer   TEXT NOT NULL,
  platform_sub      TEXT NOT NULL,
  lineitem_url      TEXT NOT NULL,
  scopes            TEXT NOT NULL, -- JSON array as TEXT
  resource_link_id  TEXT NOT NULL DEFAULT '',
  updated_at        INTEGER NOT NULL,
  PRIMARY KEY (local_user, unit_id)
);

CREATE TABLE IF NOT EXISTS grading_config (
  unit_id           TEXT PRIMARY KEY,
  enabled           INTEGER NOT NULL DEFAULT 0,
  aggregate         TEXT NOT NULL DEFAULT 'sum'
);

CREATE TABLE IF NOT EXISTS grading_activities (
  unit_id           TEXT NOT NULL,
  activity_id       TEXT NOT NULL,
  include_in_scoring INTEGER NOT NULL DEFAULT 1,
  scheme            TEXT NOT NULL DEFAULT 'best',
  weight            REAL NOT NULL DEFAULT 1.0,
  PRIMARY KEY (unit_id, activity_id)
);

CREATE TABLE IF NOT EXISTS attempts (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  local_user        TEXT NOT NULL,
  activity_id       TEXT NOT NULL,
  score             REAL NOT NULL,
  max_score         REAL NOT NULL,
  finished_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_user_activity ON attempts(local_user, activity_id, finished_at);

CREATE TABLE IF NOT EXISTS grade_sync_log (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  local_user        TEXT NOT NULL,
  unit_id           TEXT NOT NULL,
  result_ref        TEXT NOT NULL DEFAULT '',
  score_sent        REAL,
  max_score         REAL,
  synced_at         INTEGER NOT NULL,
  status            TEXT NOT NULL CHECK (status IN ('success','failed')),
  error_message     TEXT
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer            TEXT PRIMARY KEY,
  client_id         TEXT NOT NULL,
  auth_login_url    TEXT NOT NULL,
  key_set_url       TEXT NOT NULL,
  token_url         TEXT NOT NULL,
  swap_dl_audience  BOOLEAN NOT NULL DEFAULT TRUE,
  created_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  platform_issuer   TEXT NOT NULL REFERENCES lti_platforms(issuer) ON DELETE CASCADE,
  deployment_id     TEXT NOT NULL,
  PRIMARY KEY (platform_issuer, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  nonce             TEXT PRIMARY KEY,
  expires_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_keys (
  kid               TEXT PRIMARY KEY,
  private_key       TEXT NOT NULL,
  public_key        TEXT NOT NULL,
  created_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_secrets (
  issuer            TEXT PRIMARY KEY,
  secret_enc        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_contexts (
  local_user        TEXT NOT NULL,
  unit_id           TEXT NOT NULL,
  platform_issuer   TEXT NOT NULL,
  platform_sub      TEXT NOT NULL,
  lineitem_url      TEXT NOT NULL,
  scopes            TEXT NOT NULL,
  resource_link_id  TEXT NOT NULL DEFAULT '',
  updated_at        BIGINT NOT NULL,
  PRIMARY KEY (local_user, unit_id)
);

CREATE TABLE IF NOT EXISTS grading_config (
  unit_id           TEXT PRIMARY KEY,
  enabled           BOOLEAN NOT NULL DEFAULT FALSE,
  aggregate         TEXT NOT NULL DEFAULT 'sum'
);

CREATE TABLE IF NOT EXISTS grading_activities (
  unit_id           TEXT NOT NULL,
  activity_id       TEXT NOT NULL,
  include_in_scoring BOOLEAN NOT NULL DEFAULT TRUE,
  scheme            TEXT NOT NULL DEFAULT 'best',
  weight            DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  PRIMARY KEY (unit_id, activity_id)
);

CREATE TABLE IF NOT EXISTS attempts (
  id                BIGSERIAL PRIMARY KEY,
  local_user        TEXT NOT NULL,
  activity_id       TEXT NOT NULL,
  score             DOUBLE PRECISION NOT NULL,
  max_score         DOUBLE PRECISION NOT NULL,
  finished_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_user_activity ON attempts(local_user, activity_id, finished_at);

CREATE TABLE IF NOT EXISTS grade_sync_log (
  id                BIGSERIAL PRIMARY KEY,
  local_user        TEXT NOT NULL,
  unit_id           TEXT NOT NULL,
  result_ref        TEXT NOT NULL DEFAULT '',
  score_sent        DOUBLE PRECISION,
  max_score         DOUBLE PRECISION,
  synced_at         BIGINT NOT NULL,
  status            TEXT NOT NULL CHECK (status IN ('success','failed')),
  error_message     TEXT
);
`
