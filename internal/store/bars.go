package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jchau/turnover-data/internal/model"
)

// Bars stores intraday time bars, deduplicated by
// (index, interval, bar time, source).
type Bars struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewBars creates the time-bar store.
func NewBars(db *pgxpool.Pool, logger *slog.Logger) *Bars {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bars{db: db, logger: logger}
}

// InsertBatch inserts bars using pgx.Batch with ON CONFLICT DO NOTHING and
// returns the number of rows already present.
func (s *Bars) InsertBatch(ctx context.Context, bars []model.TimeBar) (conflicts int, err error) {
	if len(bars) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(`
			INSERT INTO index_time_bars
				(index_code, interval_min, bar_time, source, open, high, low, close, volume, turnover)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (index_code, interval_min, bar_time, source) DO NOTHING
		`, b.IndexCode, b.IntervalMin, b.BarTime, b.Source, b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range bars {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert bar: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	s.logger.Debug("inserted bars", "count", len(bars), "conflicts", conflicts)
	return conflicts, nil
}

// ListWindow returns all bars for one index and interval inside
// [start, end], ordered by bar time.
func (s *Bars) ListWindow(ctx context.Context, indexCode string, intervalMin int, start, end time.Time) ([]model.TimeBar, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bar_time, source, open, high, low, close, volume, turnover
		FROM index_time_bars
		WHERE index_code = $1 AND interval_min = $2 AND bar_time >= $3 AND bar_time <= $4
		ORDER BY bar_time ASC, source ASC
	`, indexCode, intervalMin, start, end)
	if err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	defer rows.Close()

	var out []model.TimeBar
	for rows.Next() {
		b := model.TimeBar{IndexCode: indexCode, IntervalMin: intervalMin}
		if err := rows.Scan(&b.BarTime, &b.Source, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Turnover); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	return out, nil
}
