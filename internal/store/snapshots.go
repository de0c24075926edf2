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

// Snapshots holds the still-updating view of the current session: at most
// one row per (index, trade date), overwritten in place until closed.
type Snapshots struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewSnapshots creates the live snapshot store.
func NewSnapshots(db *pgxpool.Pool, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{db: db, logger: logger}
}

// Upsert overwrites the snapshot for (index, trade date). A closed snapshot
// is final: later writes are ignored so the finished session cannot be
// reopened by a stale poller.
func (s *Snapshots) Upsert(ctx context.Context, snap model.LiveSnapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO index_live_snapshots
			(index_code, trade_date, session, last, change_points, change_pct,
			 turnover_amount, turnover_currency, source, data_updated_at, is_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (index_code, trade_date) DO UPDATE SET
			session           = EXCLUDED.session,
			last              = EXCLUDED.last,
			change_points     = EXCLUDED.change_points,
			change_pct        = EXCLUDED.change_pct,
			turnover_amount   = EXCLUDED.turnover_amount,
			turnover_currency = EXCLUDED.turnover_currency,
			source            = EXCLUDED.source,
			data_updated_at   = EXCLUDED.data_updated_at,
			is_closed         = EXCLUDED.is_closed
		WHERE NOT index_live_snapshots.is_closed
	`,
		snap.IndexCode,
		snap.TradeDate.Time(),
		string(snap.Session),
		snap.Last,
		snap.ChangePoints,
		snap.ChangePct,
		nullableInt64(snap.TurnoverAmount, snap.HasTurnover),
		snap.TurnoverCurrency,
		snap.Source,
		snap.DataUpdatedAt,
		snap.IsClosed,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot for one index and trade date.
func (s *Snapshots) Get(ctx context.Context, indexCode string, date model.TradeDate) (model.LiveSnapshot, bool, error) {
	var (
		snap     model.LiveSnapshot
		day      time.Time
		session  string
		turnover *int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT index_code, trade_date, session, last, change_points, change_pct,
		       turnover_amount, turnover_currency, source, data_updated_at, is_closed
		FROM index_live_snapshots
		WHERE index_code = $1 AND trade_date = $2
	`, indexCode, date.Time()).Scan(
		&snap.IndexCode, &day, &session, &snap.Last, &snap.ChangePoints, &snap.ChangePct,
		&turnover, &snap.TurnoverCurrency, &snap.Source, &snap.DataUpdatedAt, &snap.IsClosed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LiveSnapshot{}, false, nil
	}
	if err != nil {
		return model.LiveSnapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	snap.TradeDate = model.TradeDateOf(day)
	snap.Session = model.Session(session)
	snap.TurnoverAmount, snap.HasTurnover = fromNullable(turnover)
	return snap, true, nil
}
