package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jchau/turnover-data/internal/aggregate"
	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/format"
	"github.com/jchau/turnover-data/internal/model"
	"github.com/jchau/turnover-data/internal/reconcile"
	"github.com/jchau/turnover-data/internal/source"
	"github.com/jchau/turnover-data/internal/store"
)

// Outcome summarizes one pass for one key.
type Outcome string

const (
	// OutcomeApplied means the canonical row was written or replaced.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means an equal-or-better canonical row already existed,
	// either detected up front against the stored grade or lost to a
	// concurrent writer at the conditional upsert.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNoData means no eligible records existed at all, neither
	// fetched directly nor built through aggregation. The raw log still grew.
	OutcomeNoData Outcome = "no_data"
)

// SourceFailure records one failed fetch inside an otherwise completed pass.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// PassResult is the outcome of one reconciliation pass.
type PassResult struct {
	Key        model.QuoteKey  `json:"key"`
	Outcome    Outcome         `json:"outcome"`
	Quality    model.Quality   `json:"quality,omitempty"`
	BestSource string          `json:"best_source,omitempty"`
	Aggregated bool            `json:"aggregated"`
	Failures   []SourceFailure `json:"failures,omitempty"`
}

// RawStore is the slice of the raw log the coordinator needs.
type RawStore interface {
	Append(ctx context.Context, rec model.RawQuoteRecord) error
	ListForKey(ctx context.Context, key model.QuoteKey) ([]model.RawQuoteRecord, error)
}

// HistoryStore is the slice of the canonical store the coordinator needs.
type HistoryStore interface {
	Grade(ctx context.Context, key model.QuoteKey) (model.Quality, bool, error)
	Upsert(ctx context.Context, q model.CanonicalQuote) (store.Outcome, error)
	LatestBefore(ctx context.Context, indexCode string, session model.Session, before model.TradeDate) (model.CanonicalQuote, bool, error)
}

// BarStore holds intraday bars for the aggregation fallback.
type BarStore interface {
	InsertBatch(ctx context.Context, bars []model.TimeBar) (conflicts int, err error)
	ListWindow(ctx context.Context, indexCode string, intervalMin int, start, end time.Time) ([]model.TimeBar, error)
}

// SnapshotStore overwrites the live view of the current session.
type SnapshotStore interface {
	Upsert(ctx context.Context, snap model.LiveSnapshot) error
}

// Coordinator runs reconciliation passes. Safe for concurrent use.
type Coordinator struct {
	cfg        *config.Config
	sources    []source.Source
	timeouts   map[string]time.Duration
	reconciler *reconcile.Reconciler
	raw        RawStore
	history    HistoryStore
	bars       BarStore
	snapshots  SnapshotStore
	logger     *slog.Logger

	group singleflight.Group
	now   func() time.Time
}

// New wires a coordinator from configuration and stores. The grade map is
// extended with the aggregation pseudo-source so synthetic records pass
// reconciliation as estimated.
func New(cfg *config.Config, sources []source.Source, raw RawStore, history HistoryStore, bars BarStore, snapshots SnapshotStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	grades := cfg.SourceGrades()
	grades[aggregate.PseudoSource] = model.QualityEstimated

	timeouts := make(map[string]time.Duration, len(cfg.Sources))
	for _, s := range cfg.Sources {
		timeouts[s.Name] = s.Timeout.Std()
	}

	return &Coordinator{
		cfg:        cfg,
		sources:    sources,
		timeouts:   timeouts,
		reconciler: reconcile.New(grades, cfg.PriorityFor, cfg.Reconcile.ToleranceBps),
		raw:        raw,
		history:    history,
		bars:       bars,
		snapshots:  snapshots,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes one pass for the key. Concurrent calls for the same key
// share a single execution and all receive its result.
func (c *Coordinator) Run(ctx context.Context, key model.QuoteKey) (PassResult, error) {
	key.IndexCode = model.NormalizeIndexCode(key.IndexCode)

	v, err, _ := c.group.Do(passKey(key), func() (any, error) {
		return c.run(ctx, key)
	})
	if err != nil {
		return PassResult{Key: key}, err
	}
	return v.(PassResult), nil
}

func passKey(key model.QuoteKey) string {
	return key.IndexCode + "|" + string(key.TradeDate) + "|" + string(key.Session)
}

// RunLive refreshes the still-updating snapshot for the key without touching
// canonical history. Concurrent live refreshes for the same key coalesce.
func (c *Coordinator) RunLive(ctx context.Context, key model.QuoteKey) (PassResult, error) {
	key.IndexCode = model.NormalizeIndexCode(key.IndexCode)

	v, err, _ := c.group.Do("live|"+passKey(key), func() (any, error) {
		return c.runLive(ctx, key)
	})
	if err != nil {
		return PassResult{Key: key}, err
	}
	return v.(PassResult), nil
}

func (c *Coordinator) runLive(ctx context.Context, key model.QuoteKey) (PassResult, error) {
	res := PassResult{Key: key, Outcome: OutcomeNoData}

	res.Failures = c.fetchAll(ctx, key)
	c.ingestBars(ctx, key)

	records, err := c.raw.ListForKey(ctx, key)
	if err != nil {
		return res, fmt.Errorf("live pass %s: %w", passKey(key), err)
	}

	// The live view has no grade floor: any fresh figure beats a blank page.
	quote, dec, err := c.reconciler.Reconcile(key, records, "")
	if err != nil {
		return res, fmt.Errorf("live pass %s: %w", passKey(key), err)
	}
	if dec != reconcile.DecisionCandidate {
		return res, nil
	}

	if err := c.snapshots.Upsert(ctx, snapshotFrom(quote, c.now())); err != nil {
		return res, fmt.Errorf("live pass %s: %w", passKey(key), err)
	}

	res.Outcome = OutcomeApplied
	res.Quality = quote.Quality
	res.BestSource = quote.BestSource
	return res, nil
}

func snapshotFrom(q model.CanonicalQuote, now time.Time) model.LiveSnapshot {
	updated := q.AsOf
	if updated.IsZero() {
		updated = now
	}
	return model.LiveSnapshot{
		IndexCode:        q.IndexCode,
		TradeDate:        q.TradeDate,
		Session:          q.Session,
		Last:             q.Last,
		ChangePoints:     q.ChangePoints,
		ChangePct:        q.ChangePct,
		TurnoverAmount:   q.TurnoverAmount,
		HasTurnover:      q.HasTurnover,
		TurnoverCurrency: q.TurnoverCurrency,
		Source:           q.BestSource,
		DataUpdatedAt:    updated,
	}
}

func (c *Coordinator) run(ctx context.Context, key model.QuoteKey) (PassResult, error) {
	res := PassResult{Key: key, Outcome: OutcomeNoData}

	res.Failures = c.fetchAll(ctx, key)

	existing, _, err := c.history.Grade(ctx, key)
	if err != nil {
		return res, fmt.Errorf("pass %s: %w", passKey(key), err)
	}

	records, err := c.raw.ListForKey(ctx, key)
	if err != nil {
		return res, fmt.Errorf("pass %s: %w", passKey(key), err)
	}

	quote, dec, err := c.reconciler.Reconcile(key, records, existing)
	if err != nil {
		return res, fmt.Errorf("pass %s: %w", passKey(key), err)
	}

	// A missing, downgraded or merely estimated direct result leaves room
	// for the intraday fallback to do better or fill the gap.
	if dec != reconcile.DecisionCandidate || quote.Quality.Rank() < model.QualityProvisional.Rank() {
		aggregated, err := c.aggregateFallback(ctx, key)
		if err != nil {
			c.logger.Warn("aggregation fallback failed",
				"index", key.IndexCode, "session", key.Session, "error", err)
		} else if aggregated {
			res.Aggregated = true
			records, err = c.raw.ListForKey(ctx, key)
			if err != nil {
				return res, fmt.Errorf("pass %s: %w", passKey(key), err)
			}
			quote, dec, err = c.reconciler.Reconcile(key, records, existing)
			if err != nil {
				return res, fmt.Errorf("pass %s: %w", passKey(key), err)
			}
		}
	}

	switch dec {
	case reconcile.DecisionDowngrade:
		// The stored row already outranks everything fetched: resolved
		// silently, nothing changes.
		res.Outcome = OutcomeSkipped
		c.logger.Debug("stored grade outranks fetched result",
			"index", key.IndexCode, "day", key.TradeDate, "session", key.Session,
			"stored", existing)
		return res, nil
	case reconcile.DecisionNoInput:
		c.logger.Info("pass produced no eligible result",
			"index", key.IndexCode, "day", key.TradeDate, "session", key.Session,
			"records", len(records), "failures", len(res.Failures))
		return res, nil
	}

	outcome, err := c.history.Upsert(ctx, quote)
	if err != nil {
		return res, fmt.Errorf("pass %s: %w", passKey(key), err)
	}

	res.Quality = quote.Quality
	res.BestSource = quote.BestSource
	switch outcome {
	case store.Applied:
		res.Outcome = OutcomeApplied
	default:
		res.Outcome = OutcomeSkipped
	}

	// A finalized full-day row closes the live view so late pollers cannot
	// resurrect intraday figures for a finished session.
	if res.Outcome == OutcomeApplied && key.Session == model.SessionFull {
		snap := snapshotFrom(quote, c.now())
		snap.IsClosed = true
		if err := c.snapshots.Upsert(ctx, snap); err != nil {
			c.logger.Warn("snapshot close failed",
				"index", key.IndexCode, "day", key.TradeDate, "error", err)
		}
	}

	turnover := "n/a"
	if quote.HasTurnover {
		turnover = format.Turnover(quote.TurnoverAmount, quote.TurnoverCurrency)
	}
	c.logger.Info("pass finished",
		"index", key.IndexCode, "day", key.TradeDate, "session", key.Session,
		"outcome", res.Outcome, "quality", quote.Quality, "source", quote.BestSource,
		"last", format.Price(quote.Last), "turnover", turnover,
		"corroborating", quote.SourceCount, "failures", len(res.Failures))

	return res, nil
}

// fetchAll queries every configured source concurrently, each under its own
// deadline, and appends one raw record per attempt, failures included. A
// slow or broken source never blocks the others.
func (c *Coordinator) fetchAll(ctx context.Context, key model.QuoteKey) []SourceFailure {
	var (
		mu       sync.Mutex
		failures []SourceFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			timeout := c.timeouts[src.Name()]
			if timeout == 0 {
				timeout = config.DefaultSourceTimeout
			}
			fctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			rec, err := src.Fetch(fctx, key.IndexCode, key.TradeDate, key.Session)
			rec = c.stamp(rec, key, src.Name(), err)

			if appendErr := c.raw.Append(ctx, rec); appendErr != nil {
				c.logger.Error("raw append failed",
					"source", src.Name(), "index", key.IndexCode, "error", appendErr)
			}

			if err != nil {
				mu.Lock()
				failures = append(failures, SourceFailure{Source: src.Name(), Error: err.Error()})
				mu.Unlock()
				c.logger.Warn("source fetch failed",
					"source", src.Name(), "index", key.IndexCode,
					"session", key.Session, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return failures
}

// stamp fills the bookkeeping fields every raw record must carry.
func (c *Coordinator) stamp(rec model.RawQuoteRecord, key model.QuoteKey, sourceName string, fetchErr error) model.RawQuoteRecord {
	rec.IndexCode = key.IndexCode
	rec.TradeDate = key.TradeDate
	rec.Session = key.Session
	rec.Source = sourceName
	rec.FetchedAt = c.now()
	rec.OK = fetchErr == nil
	if fetchErr != nil {
		rec.Error = fetchErr.Error()
	}
	if rec.TurnoverCurrency == "" {
		if ic, ok := c.cfg.Index(key.IndexCode); ok {
			rec.TurnoverCurrency = ic.Currency
		}
	}
	return rec
}

// ingestBars pulls intraday bars from every source that exposes them and
// stores the batch. Duplicate bars are conflict-skipped by the store, so
// repeated live passes are cheap. Failures only cost this pass fresh bars.
func (c *Coordinator) ingestBars(ctx context.Context, key model.QuoteKey) {
	interval := c.cfg.Aggregate.IntervalMin
	for _, src := range c.sources {
		bf, ok := src.(source.BarFetcher)
		if !ok {
			continue
		}

		timeout := c.timeouts[src.Name()]
		if timeout == 0 {
			timeout = config.DefaultSourceTimeout
		}
		fctx, cancel := context.WithTimeout(ctx, timeout)
		bars, err := bf.FetchBars(fctx, key.IndexCode, key.TradeDate, interval)
		cancel()
		if err != nil {
			c.logger.Warn("bar fetch failed",
				"source", src.Name(), "index", key.IndexCode, "error", err)
			continue
		}
		if len(bars) == 0 {
			continue
		}

		for i := range bars {
			bars[i].IndexCode = key.IndexCode
			bars[i].IntervalMin = interval
			bars[i].Source = src.Name()
		}
		conflicts, err := c.bars.InsertBatch(ctx, bars)
		if err != nil {
			c.logger.Error("bar insert failed",
				"source", src.Name(), "index", key.IndexCode, "error", err)
			continue
		}
		c.logger.Debug("bars ingested",
			"source", src.Name(), "index", key.IndexCode,
			"bars", len(bars), "duplicates", conflicts)
	}
}

// aggregateFallback builds a synthetic session record from stored intraday
// bars, fetching them on demand when none are stored yet, and appends it to
// the raw log. It reports whether a record was added.
func (c *Coordinator) aggregateFallback(ctx context.Context, key model.QuoteKey) (bool, error) {
	ic, ok := c.cfg.Index(key.IndexCode)
	if !ok {
		return false, fmt.Errorf("no index config for %s", key.IndexCode)
	}

	start, end, err := aggregate.SessionWindow(ic, key.TradeDate, key.Session)
	if err != nil {
		return false, err
	}

	bars, err := c.bars.ListWindow(ctx, key.IndexCode, c.cfg.Aggregate.IntervalMin, start, end)
	if err != nil {
		return false, err
	}
	if len(bars) == 0 {
		// Nothing stored yet, typical when no live job polls this index.
		// Pull bars directly before giving up on the window.
		c.ingestBars(ctx, key)
		bars, err = c.bars.ListWindow(ctx, key.IndexCode, c.cfg.Aggregate.IntervalMin, start, end)
		if err != nil {
			return false, err
		}
	}
	if len(bars) == 0 {
		return false, nil
	}

	in := aggregate.Input{
		Key:         key,
		Bars:        bars,
		WindowStart: start,
		WindowEnd:   end,
		IntervalMin: c.cfg.Aggregate.IntervalMin,
		MinCoverage: c.cfg.Aggregate.MinCoverage,
		Currency:    ic.Currency,
		Now:         c.now(),
	}

	if prev, ok, err := c.history.LatestBefore(ctx, key.IndexCode, model.SessionFull, key.TradeDate); err != nil {
		return false, err
	} else if ok && prev.Last != 0 {
		in.PrevClose = prev.Last
		in.HasPrevClose = true
	}

	rec, ok := aggregate.Session(in)
	if !ok {
		return false, nil
	}

	if err := c.raw.Append(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
