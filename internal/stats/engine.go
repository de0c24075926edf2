package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jchau/turnover-data/internal/model"
)

// HistoryReader is the slice of the canonical history store the engine needs.
type HistoryReader interface {
	Get(ctx context.Context, key model.QuoteKey) (model.CanonicalQuote, bool, error)
	LatestBefore(ctx context.Context, indexCode string, session model.Session, before model.TradeDate) (model.CanonicalQuote, bool, error)
	TurnoverSeriesThrough(ctx context.Context, indexCode string, session model.Session, asOf model.TradeDate, limit int) ([]int64, error)
	TurnoverSeriesBefore(ctx context.Context, indexCode string, session model.Session, asOf model.TradeDate, limit int) ([]int64, error)
	PeakTurnover(ctx context.Context, indexCode string, session model.Session) (int64, model.TradeDate, bool, error)
	PeakPrice(ctx context.Context, indexCode string) (int64, model.TradeDate, bool, error)
}

// SnapshotReader provides the live view for the current day.
type SnapshotReader interface {
	Get(ctx context.Context, indexCode string, date model.TradeDate) (model.LiveSnapshot, bool, error)
}

// Config holds statistics policy.
type Config struct {
	TrailingWindows  []int         // e.g. 5 and 10 sessions
	PercentileWindow int           // prior sessions in the percentile distribution
	SnapshotMaxAge   time.Duration // live snapshot staleness cutoff
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TrailingWindows:  []int{5, 10},
		PercentileWindow: 30,
		SnapshotMaxAge:   10 * time.Minute,
	}
}

// sessionTypes is the fixed evaluation order, so results are deterministic.
var sessionTypes = []model.Session{model.SessionAM, model.SessionFull}

// Engine computes DerivedStats from canonical history plus live snapshots.
type Engine struct {
	cfg       Config
	history   HistoryReader
	snapshots SnapshotReader
	logger    *slog.Logger

	now func() time.Time
}

// NewEngine creates a statistics engine.
func NewEngine(cfg Config, history HistoryReader, snapshots SnapshotReader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		history:   history,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// Compute derives the statistics for one index as of one trading day.
func (e *Engine) Compute(ctx context.Context, indexCode string, asOfDay model.TradeDate) (DerivedStats, error) {
	out := DerivedStats{
		IndexCode: indexCode,
		AsOfDay:   asOfDay,
		Sessions:  make(map[model.Session]SessionStats, len(sessionTypes)),
	}

	snap, snapOK, err := e.snapshots.Get(ctx, indexCode, asOfDay)
	if err != nil {
		return DerivedStats{}, fmt.Errorf("stats for %s: %w", indexCode, err)
	}
	snapUsable := snapOK && e.snapshotUsable(snap)

	for _, session := range sessionTypes {
		ss, err := e.sessionStats(ctx, indexCode, session, asOfDay, snap, snapUsable)
		if err != nil {
			return DerivedStats{}, fmt.Errorf("stats for %s %s: %w", indexCode, session, err)
		}
		out.Sessions[session] = ss
	}

	if last, date, ok, err := e.history.PeakPrice(ctx, indexCode); err != nil {
		return DerivedStats{}, fmt.Errorf("stats for %s: %w", indexCode, err)
	} else if ok {
		out.PricePeak = &Peak{Value: last, Date: date}
	}

	current, err := e.currentValue(ctx, indexCode, asOfDay, snap, snapUsable)
	if err != nil {
		return DerivedStats{}, fmt.Errorf("stats for %s: %w", indexCode, err)
	}
	out.Current = current

	tier := "none"
	if current != nil {
		tier = string(current.Tier)
	}
	e.logger.Debug("derived stats computed",
		"index", indexCode, "day", asOfDay, "tier", tier,
		"snapshot_usable", snapUsable)

	return out, nil
}

func (e *Engine) sessionStats(ctx context.Context, indexCode string, session model.Session, asOfDay model.TradeDate, snap model.LiveSnapshot, snapUsable bool) (SessionStats, error) {
	var ss SessionStats

	for _, window := range e.cfg.TrailingWindows {
		series, err := e.history.TurnoverSeriesThrough(ctx, indexCode, session, asOfDay, window)
		if err != nil {
			return SessionStats{}, err
		}
		ta := TrailingAverage{
			Window:   window,
			Sessions: len(series),
			Partial:  len(series) < window,
		}
		if len(series) > 0 {
			var sum int64
			for _, v := range series {
				sum += v
			}
			ta.Average = float64(sum) / float64(len(series))
		}
		ss.Trailing = append(ss.Trailing, ta)
	}

	if amount, date, ok, err := e.history.PeakTurnover(ctx, indexCode, session); err != nil {
		return SessionStats{}, err
	} else if ok {
		ss.PeakTurnover = &Peak{Value: amount, Date: date}
	}

	today, hasToday, err := e.todayTurnover(ctx, indexCode, session, asOfDay, snap, snapUsable)
	if err != nil {
		return SessionStats{}, err
	}
	if hasToday {
		prior, err := e.history.TurnoverSeriesBefore(ctx, indexCode, session, asOfDay, e.cfg.PercentileWindow)
		if err != nil {
			return SessionStats{}, err
		}
		ss.PercentileSessions = len(prior)
		if len(prior) > 0 {
			p := percentile(prior, today)
			ss.Percentile = &p
		}
	}

	return ss, nil
}

// todayTurnover resolves today's turnover for a session: the live snapshot
// when it covers this session and is usable, otherwise today's finalized
// canonical quote. A prior day's figure never stands in for today here.
func (e *Engine) todayTurnover(ctx context.Context, indexCode string, session model.Session, asOfDay model.TradeDate, snap model.LiveSnapshot, snapUsable bool) (int64, bool, error) {
	if snapUsable && snap.Session == session && snap.HasTurnover {
		return snap.TurnoverAmount, true, nil
	}

	key := model.QuoteKey{IndexCode: indexCode, TradeDate: asOfDay, Session: session}
	q, ok, err := e.history.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if ok && q.HasTurnover {
		return q.TurnoverAmount, true, nil
	}
	return 0, false, nil
}

// currentValue walks the three-tier fallback chain: live snapshot, today's
// canonical quote (FULL preferred over AM), then the latest prior canonical.
func (e *Engine) currentValue(ctx context.Context, indexCode string, asOfDay model.TradeDate, snap model.LiveSnapshot, snapUsable bool) (*CurrentValue, error) {
	if snapUsable {
		return &CurrentValue{
			Tier:         TierLive,
			Session:      snap.Session,
			TradeDate:    snap.TradeDate,
			Last:         snap.Last,
			ChangePoints: snap.ChangePoints,
			ChangePct:    snap.ChangePct,
			Turnover:     snap.TurnoverAmount,
			HasTurnover:  snap.HasTurnover,
			AsOf:         snap.DataUpdatedAt,
		}, nil
	}

	for _, session := range []model.Session{model.SessionFull, model.SessionAM} {
		key := model.QuoteKey{IndexCode: indexCode, TradeDate: asOfDay, Session: session}
		q, ok, err := e.history.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return canonicalCurrent(TierToday, q), nil
		}
	}

	for _, session := range []model.Session{model.SessionFull, model.SessionAM} {
		q, ok, err := e.history.LatestBefore(ctx, indexCode, session, asOfDay)
		if err != nil {
			return nil, err
		}
		if ok {
			return canonicalCurrent(TierPrevious, q), nil
		}
	}

	return nil, nil
}

func canonicalCurrent(tier Tier, q model.CanonicalQuote) *CurrentValue {
	return &CurrentValue{
		Tier:         tier,
		Session:      q.Session,
		TradeDate:    q.TradeDate,
		Last:         q.Last,
		ChangePoints: q.ChangePoints,
		ChangePct:    q.ChangePct,
		Turnover:     q.TurnoverAmount,
		HasTurnover:  q.HasTurnover,
		AsOf:         q.AsOf,
	}
}

// snapshotUsable rejects closed or stale snapshots.
func (e *Engine) snapshotUsable(snap model.LiveSnapshot) bool {
	if snap.IsClosed {
		return false
	}
	return e.now().Sub(snap.DataUpdatedAt) <= e.cfg.SnapshotMaxAge
}

// percentile is the share of prior values at or below today's, in [0,1].
func percentile(prior []int64, today int64) float64 {
	var atOrBelow int
	for _, v := range prior {
		if v <= today {
			atOrBelow++
		}
	}
	return float64(atOrBelow) / float64(len(prior))
}
