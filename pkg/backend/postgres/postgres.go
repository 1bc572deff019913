// ABOUTME: PostgreSQL version backend on sqlx and lib/pq
// ABOUTME: Truncation is one DELETE inside one transaction with a row-count check

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nainya/scriptgov/pkg/version"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxLifetime = 5 * time.Minute
	connMaxIdleTime = 5 * time.Minute

	pgUniqueViolation = "23505"
)

// Schema creates the versions table. The primary key is (guid, version),
// so a racing insert of an existing version fails instead of duplicating.
const Schema = `CREATE TABLE IF NOT EXISTS script_versions (
	script_guid     TEXT        NOT NULL,
	version         INTEGER     NOT NULL CHECK (version > 0),
	script_name     TEXT        NOT NULL,
	description     TEXT        NOT NULL DEFAULT '',
	category        TEXT        NOT NULL DEFAULT '',
	risk_level      TEXT        NOT NULL,
	script_content  TEXT        NOT NULL,
	created_by      TEXT        NOT NULL DEFAULT '',
	created_at_utc  TIMESTAMPTZ NOT NULL,
	policy_revision TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (script_guid, version)
)`

const columns = `script_guid, version, script_name, description, category, risk_level, script_content, created_by, created_at_utc, policy_revision`

// Connect opens a pooled connection and pings it
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	return db, nil
}

// Backend implements version.Backend on a script_versions table
type Backend struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

var _ version.Backend = (*Backend)(nil)

func New(db *sqlx.DB, logger zerolog.Logger) *Backend {
	return &Backend{db: db, logger: logger}
}

// Migrate creates the table if it does not exist
func (b *Backend) Migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, Schema)
	return errors.Wrap(err, "create script_versions")
}

func (b *Backend) Load(ctx context.Context, guid string) ([]version.ScriptRecord, error) {
	query := `SELECT ` + columns + ` FROM script_versions WHERE script_guid = $1 ORDER BY version ASC`

	var records []version.ScriptRecord
	if err := b.db.SelectContext(ctx, &records, query, guid); err != nil {
		return nil, errors.Wrapf(err, "select history of %s", guid)
	}
	for i := range records {
		records[i].CreatedAtUtc = records[i].CreatedAtUtc.UTC()
	}
	return records, nil
}

func (b *Backend) Append(ctx context.Context, rec version.ScriptRecord) error {
	query := `INSERT INTO script_versions (` + columns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := b.db.ExecContext(ctx, query,
		rec.ScriptGuid, rec.Version, rec.ScriptName, rec.Description, rec.Category,
		string(rec.RiskLevel), rec.ScriptContent, rec.CreatedBy, rec.CreatedAtUtc, rec.PolicyRevision,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.Wrapf(version.ErrConcurrencyConflict, "version %d of %s exists", rec.Version, rec.ScriptGuid)
		}
		return errors.Wrapf(err, "insert version %d of %s", rec.Version, rec.ScriptGuid)
	}
	return nil
}

// Truncate deletes every newer version in a single statement and commits
// only when exactly expected rows went
func (b *Backend) Truncate(ctx context.Context, guid string, keep, expected int) (err error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin truncate")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				b.logger.Error().Err(rbErr).Str("script_guid", guid).Msg("truncate rollback failed")
			}
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM script_versions WHERE script_guid = $1 AND version > $2`, guid, keep)
	if err != nil {
		return errors.Wrapf(err, "delete versions of %s above %d", guid, keep)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if int(n) != expected {
		return errors.Wrapf(version.ErrConcurrencyConflict,
			"truncate of %s removed %d versions, expected %d", guid, n, expected)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit truncate")
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, guid string) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM script_versions WHERE script_guid = $1`, guid)
	if err != nil {
		return 0, errors.Wrapf(err, "delete %s", guid)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

func (b *Backend) Guids(ctx context.Context) ([]string, error) {
	var guids []string
	err := b.db.SelectContext(ctx, &guids, `SELECT DISTINCT script_guid FROM script_versions ORDER BY script_guid`)
	if err != nil {
		return nil, errors.Wrap(err, "select script guids")
	}
	return guids, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// Ping reports whether the database answers
func (b *Backend) Ping(ctx context.Context) error {
	return errors.Wrap(b.db.PingContext(ctx), "ping postgres")
}
