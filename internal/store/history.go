package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jchau/turnover-data/internal/model"
)

// Outcome reports what a conditional history write did.
type Outcome string

const (
	// Applied means the candidate row was inserted or replaced the stored row.
	Applied Outcome = "applied"
	// Skipped means a stored row of strictly higher grade already exists,
	// or a concurrent writer applied an equal-or-better result first.
	Skipped Outcome = "skipped"
)

// History is the canonical quote store: one row per (index, day, session),
// grade monotonically non-decreasing over time.
type History struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewHistory creates the canonical history store.
func NewHistory(db *pgxpool.Pool, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{db: db, logger: logger}
}

// Upsert applies a reconciled candidate with compare-and-swap semantics on
// the stored grade rank. The WHERE clause makes the no-downgrade invariant
// atomic inside PostgreSQL, so concurrent passes for the same key need no
// application-level lock; the loser sees Skipped. At equal grade a row is
// rewritten only when the figures actually differ, so re-applying an
// identical candidate is a Skipped no-op and updated_at stays put.
func (s *History) Upsert(ctx context.Context, q model.CanonicalQuote) (Outcome, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO index_quote_history
			(index_code, trade_date, session, last, change_points, change_pct,
			 turnover_amount, turnover_currency, best_source, quality, quality_rank,
			 source_count, asof_ts, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (index_code, trade_date, session) DO UPDATE SET
			last              = EXCLUDED.last,
			change_points     = EXCLUDED.change_points,
			change_pct        = EXCLUDED.change_pct,
			turnover_amount   = EXCLUDED.turnover_amount,
			turnover_currency = EXCLUDED.turnover_currency,
			best_source       = EXCLUDED.best_source,
			quality           = EXCLUDED.quality,
			quality_rank      = EXCLUDED.quality_rank,
			source_count      = EXCLUDED.source_count,
			asof_ts           = EXCLUDED.asof_ts,
			payload           = EXCLUDED.payload,
			updated_at        = now()
		WHERE index_quote_history.quality_rank < EXCLUDED.quality_rank
		   OR (index_quote_history.quality_rank = EXCLUDED.quality_rank
		       AND (index_quote_history.last, index_quote_history.change_points,
		            index_quote_history.change_pct, index_quote_history.turnover_amount,
		            index_quote_history.turnover_currency, index_quote_history.best_source,
		            index_quote_history.source_count, index_quote_history.asof_ts)
		           IS DISTINCT FROM
		           (EXCLUDED.last, EXCLUDED.change_points,
		            EXCLUDED.change_pct, EXCLUDED.turnover_amount,
		            EXCLUDED.turnover_currency, EXCLUDED.best_source,
		            EXCLUDED.source_count, EXCLUDED.asof_ts))
	`,
		q.IndexCode,
		q.TradeDate.Time(),
		string(q.Session),
		q.Last,
		q.ChangePoints,
		q.ChangePct,
		nullableInt64(q.TurnoverAmount, q.HasTurnover),
		q.TurnoverCurrency,
		q.BestSource,
		string(q.Quality),
		q.Quality.Rank(),
		q.SourceCount,
		nullableTime(q.AsOf),
		nullableBytes(q.Payload),
	)
	if err != nil {
		return Skipped, fmt.Errorf("upsert history: %w", err)
	}

	if ct.RowsAffected() == 0 {
		s.logger.Debug("history upsert skipped",
			"index", q.IndexCode,
			"trade_date", q.TradeDate,
			"session", q.Session,
			"candidate_quality", q.Quality,
		)
		return Skipped, nil
	}
	return Applied, nil
}

// Grade returns the stored grade for one key, if a row exists.
func (s *History) Grade(ctx context.Context, key model.QuoteKey) (model.Quality, bool, error) {
	var grade string
	err := s.db.QueryRow(ctx, `
		SELECT quality FROM index_quote_history
		WHERE index_code = $1 AND trade_date = $2 AND session = $3
	`, key.IndexCode, key.TradeDate.Time(), string(key.Session)).Scan(&grade)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read stored grade: %w", err)
	}
	return model.Quality(grade), true, nil
}

// Get returns the canonical quote for one key.
func (s *History) Get(ctx context.Context, key model.QuoteKey) (model.CanonicalQuote, bool, error) {
	return s.queryOne(ctx, `
		SELECT index_code, trade_date, session, last, change_points, change_pct,
		       turnover_amount, turnover_currency, best_source, quality,
		       source_count, asof_ts, payload, updated_at
		FROM index_quote_history
		WHERE index_code = $1 AND trade_date = $2 AND session = $3
	`, key.IndexCode, key.TradeDate.Time(), string(key.Session))
}

// LatestBefore returns the most recent canonical quote strictly before a
// trade date, for the previous-close lookup and the last fallback tier.
func (s *History) LatestBefore(ctx context.Context, indexCode string, session model.Session, before model.TradeDate) (model.CanonicalQuote, bool, error) {
	return s.queryOne(ctx, `
		SELECT index_code, trade_date, session, last, change_points, change_pct,
		       turnover_amount, turnover_currency, best_source, quality,
		       source_count, asof_ts, payload, updated_at
		FROM index_quote_history
		WHERE index_code = $1 AND session = $2 AND trade_date < $3
		ORDER BY trade_date DESC
		LIMIT 1
	`, indexCode, string(session), before.Time())
}

// TurnoverSeriesThrough returns up to limit non-null turnovers for sessions
// at or before asOf, most recent first.
func (s *History) TurnoverSeriesThrough(ctx context.Context, indexCode string, session model.Session, asOf model.TradeDate, limit int) ([]int64, error) {
	return s.turnoverSeries(ctx, indexCode, session, asOf, limit, true)
}

// TurnoverSeriesBefore is TurnoverSeriesThrough with asOf excluded, used for
// the percentile distribution so today never ranks against itself.
func (s *History) TurnoverSeriesBefore(ctx context.Context, indexCode string, session model.Session, asOf model.TradeDate, limit int) ([]int64, error) {
	return s.turnoverSeries(ctx, indexCode, session, asOf, limit, false)
}

func (s *History) turnoverSeries(ctx context.Context, indexCode string, session model.Session, asOf model.TradeDate, limit int, inclusive bool) ([]int64, error) {
	cmp := "<"
	if inclusive {
		cmp = "<="
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT turnover_amount
		FROM index_quote_history
		WHERE index_code = $1 AND session = $2 AND trade_date %s $3
		  AND turnover_amount IS NOT NULL
		ORDER BY trade_date DESC
		LIMIT $4
	`, cmp), indexCode, string(session), asOf.Time(), limit)
	if err != nil {
		return nil, fmt.Errorf("turnover series: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan turnover: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turnover series: %w", err)
	}
	return out, nil
}

// PeakTurnover returns the all-time maximum turnover for one session type.
// Ties resolve to the most recent date.
func (s *History) PeakTurnover(ctx context.Context, indexCode string, session model.Session) (int64, model.TradeDate, bool, error) {
	var (
		amount int64
		date   time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT turnover_amount, trade_date
		FROM index_quote_history
		WHERE index_code = $1 AND session = $2 AND turnover_amount IS NOT NULL
		ORDER BY turnover_amount DESC, trade_date DESC
		LIMIT 1
	`, indexCode, string(session)).Scan(&amount, &date)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("peak turnover: %w", err)
	}
	return amount, model.TradeDateOf(date), true, nil
}

// PeakPrice returns the all-time maximum last price for the index across
// all session types.
func (s *History) PeakPrice(ctx context.Context, indexCode string) (int64, model.TradeDate, bool, error) {
	var (
		last int64
		date time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT last, trade_date
		FROM index_quote_history
		WHERE index_code = $1
		ORDER BY last DESC, trade_date DESC
		LIMIT 1
	`, indexCode).Scan(&last, &date)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("peak price: %w", err)
	}
	return last, model.TradeDateOf(date), true, nil
}

func (s *History) queryOne(ctx context.Context, sql string, args ...any) (model.CanonicalQuote, bool, error) {
	var (
		q        model.CanonicalQuote
		date     time.Time
		session  string
		quality  string
		turnover *int64
		asOf     *time.Time
	)
	err := s.db.QueryRow(ctx, sql, args...).Scan(
		&q.IndexCode, &date, &session, &q.Last, &q.ChangePoints, &q.ChangePct,
		&turnover, &q.TurnoverCurrency, &q.BestSource, &quality,
		&q.SourceCount, &asOf, &q.Payload, &q.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CanonicalQuote{}, false, nil
	}
	if err != nil {
		return model.CanonicalQuote{}, false, fmt.Errorf("read history row: %w", err)
	}

	q.TradeDate = model.TradeDateOf(date)
	q.Session = model.Session(session)
	q.Quality = model.Quality(quality)
	q.TurnoverAmount, q.HasTurnover = fromNullable(turnover)
	if asOf != nil {
		q.AsOf = *asOf
	}
	return q, true, nil
}
