package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on startup. Statements are idempotent so repeated
// service starts and concurrent instances are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_quote_records (
		id                BIGSERIAL PRIMARY KEY,
		index_code        TEXT NOT NULL,
		trade_date        DATE NOT NULL,
		session           TEXT NOT NULL,
		source            TEXT NOT NULL,
		last              BIGINT,
		change_points     BIGINT,
		change_pct        BIGINT,
		turnover_amount   BIGINT,
		turnover_currency TEXT,
		asof_ts           TIMESTAMPTZ,
		payload           JSONB,
		fetched_at        TIMESTAMPTZ NOT NULL,
		ok                BOOLEAN NOT NULL,
		error             TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_raw_quote_records_key
		ON raw_quote_records (index_code, trade_date, session)`,
	`CREATE INDEX IF NOT EXISTS ix_raw_quote_records_source_fetched
		ON raw_quote_records (source, fetched_at DESC)`,

	`CREATE TABLE IF NOT EXISTS index_time_bars (
		index_code   TEXT NOT NULL,
		interval_min INT NOT NULL,
		bar_time     TIMESTAMPTZ NOT NULL,
		source       TEXT NOT NULL,
		open         BIGINT,
		high         BIGINT,
		low          BIGINT,
		close        BIGINT NOT NULL,
		volume       BIGINT,
		turnover     BIGINT,
		fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (index_code, interval_min, bar_time, source)
	)`,

	`CREATE TABLE IF NOT EXISTS index_quote_history (
		index_code        TEXT NOT NULL,
		trade_date        DATE NOT NULL,
		session           TEXT NOT NULL,
		last              BIGINT NOT NULL,
		change_points     BIGINT,
		change_pct        BIGINT,
		turnover_amount   BIGINT,
		turnover_currency TEXT NOT NULL,
		best_source       TEXT NOT NULL,
		quality           TEXT NOT NULL,
		quality_rank      INT NOT NULL,
		source_count      INT NOT NULL,
		asof_ts           TIMESTAMPTZ,
		payload           JSONB,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (index_code, trade_date, session)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_index_quote_history_session_date
		ON index_quote_history (index_code, session, trade_date DESC)`,

	`CREATE TABLE IF NOT EXISTS index_live_snapshots (
		index_code        TEXT NOT NULL,
		trade_date        DATE NOT NULL,
		session           TEXT NOT NULL,
		last              BIGINT NOT NULL,
		change_points     BIGINT,
		change_pct        BIGINT,
		turnover_amount   BIGINT,
		turnover_currency TEXT NOT NULL,
		source            TEXT NOT NULL,
		data_updated_at   TIMESTAMPTZ NOT NULL,
		is_closed         BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (index_code, trade_date)
	)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id          UUID PRIMARY KEY,
		job_name    TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at TIMESTAMPTZ,
		status      TEXT NOT NULL,
		summary     JSONB,
		error       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_job_runs_name_started
		ON job_runs (job_name, started_at DESC)`,
}

// EnsureSchema creates all tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
