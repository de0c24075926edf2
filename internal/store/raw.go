package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jchau/turnover-data/internal/model"
)

// RawQuotes is the append-only record of every fetch attempt. Rows are never
// updated or deleted; they are the audit trail and the reconciliation input.
type RawQuotes struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewRawQuotes creates the raw record store.
func NewRawQuotes(db *pgxpool.Pool, logger *slog.Logger) *RawQuotes {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawQuotes{db: db, logger: logger}
}

// Append inserts one fetch attempt, success or failure.
func (s *RawQuotes) Append(ctx context.Context, rec model.RawQuoteRecord) error {
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO raw_quote_records
			(index_code, trade_date, session, source, last, change_points, change_pct,
			 turnover_amount, turnover_currency, asof_ts, payload, fetched_at, ok, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.IndexCode,
		rec.TradeDate.Time(),
		string(rec.Session),
		rec.Source,
		nullableInt64(rec.Last, rec.HasPrice),
		nullableInt64(rec.ChangePoints, rec.HasPrice),
		nullableInt64(rec.ChangePct, rec.HasPrice),
		nullableInt64(rec.TurnoverAmount, rec.HasTurnover),
		rec.TurnoverCurrency,
		nullableTime(rec.AsOf),
		nullableBytes(rec.Payload),
		rec.FetchedAt,
		rec.OK,
		errText,
	)
	if err != nil {
		return fmt.Errorf("append raw record: %w", err)
	}
	return nil
}

// ListForKey returns every raw record for one (index, day, session), oldest
// first. The reconciler re-derives the latest-per-source view from this set
// on every pass.
func (s *RawQuotes) ListForKey(ctx context.Context, key model.QuoteKey) ([]model.RawQuoteRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source, last, change_points, change_pct, turnover_amount,
		       turnover_currency, asof_ts, payload, fetched_at, ok, error
		FROM raw_quote_records
		WHERE index_code = $1 AND trade_date = $2 AND session = $3
		ORDER BY fetched_at ASC, id ASC
	`, key.IndexCode, key.TradeDate.Time(), string(key.Session))
	if err != nil {
		return nil, fmt.Errorf("list raw records: %w", err)
	}
	defer rows.Close()

	var out []model.RawQuoteRecord
	for rows.Next() {
		rec := model.RawQuoteRecord{
			IndexCode: key.IndexCode,
			TradeDate: key.TradeDate,
			Session:   key.Session,
		}
		var (
			last, chPts, chPct, turnover *int64
			currency, errText            *string
			asOf                         *time.Time
		)
		if err := rows.Scan(&rec.Source, &last, &chPts, &chPct, &turnover,
			&currency, &asOf, &rec.Payload, &rec.FetchedAt, &rec.OK, &errText); err != nil {
			return nil, fmt.Errorf("scan raw record: %w", err)
		}
		rec.Last, rec.HasPrice = fromNullable(last)
		rec.ChangePoints, _ = fromNullable(chPts)
		rec.ChangePct, _ = fromNullable(chPct)
		rec.TurnoverAmount, rec.HasTurnover = fromNullable(turnover)
		if currency != nil {
			rec.TurnoverCurrency = *currency
		}
		if asOf != nil {
			rec.AsOf = *asOf
		}
		if errText != nil {
			rec.Error = *errText
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list raw records: %w", err)
	}
	return out, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
