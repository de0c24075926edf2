package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/model"
	"github.com/jchau/turnover-data/internal/source"
	"github.com/jchau/turnover-data/internal/store"
)

// fakeRaw is an in-memory substitute for the raw quote log.
type fakeRaw struct {
	mu   sync.Mutex
	recs []model.RawQuoteRecord
}

func (f *fakeRaw) Append(_ context.Context, rec model.RawQuoteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRaw) ListForKey(_ context.Context, key model.QuoteKey) ([]model.RawQuoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RawQuoteRecord
	for _, r := range f.recs {
		if r.IndexCode == key.IndexCode && r.TradeDate == key.TradeDate && r.Session == key.Session {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRaw) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

// fakeHistory records upserts and serves a fixed existing grade.
type fakeHistory struct {
	mu       sync.Mutex
	grade    model.Quality
	hasGrade bool
	outcome  store.Outcome
	prev     *model.CanonicalQuote
	upserts  []model.CanonicalQuote
}

func (f *fakeHistory) Grade(_ context.Context, _ model.QuoteKey) (model.Quality, bool, error) {
	return f.grade, f.hasGrade, nil
}

func (f *fakeHistory) Upsert(_ context.Context, q model.CanonicalQuote) (store.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, q)
	if f.outcome == "" {
		return store.Applied, nil
	}
	return f.outcome, nil
}

func (f *fakeHistory) LatestBefore(_ context.Context, _ string, _ model.Session, _ model.TradeDate) (model.CanonicalQuote, bool, error) {
	if f.prev == nil {
		return model.CanonicalQuote{}, false, nil
	}
	return *f.prev, true, nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []model.LiveSnapshot
}

func (f *fakeSnapshots) Upsert(_ context.Context, snap model.LiveSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	return nil
}

type fakeBars struct {
	mu       sync.Mutex
	bars     []model.TimeBar
	inserted []model.TimeBar
}

func (f *fakeBars) InsertBatch(_ context.Context, bars []model.TimeBar) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, bars...)
	return 0, nil
}

func (f *fakeBars) ListWindow(_ context.Context, _ string, _ int, _, _ time.Time) ([]model.TimeBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.TimeBar(nil), f.bars...)
	return append(out, f.inserted...), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Sources: []config.SourceConfig{
			{Name: "HKEX", Grade: model.QualityOfficial, Timeout: config.Duration(time.Second)},
			{Name: "TENCENT", Grade: model.QualityProvisional, Timeout: config.Duration(time.Second)},
		},
		Priority:  config.PriorityConfig{Default: []string{"HKEX", "TENCENT"}},
		Reconcile: config.ReconcileConfig{ToleranceBps: 50},
		Aggregate: config.AggregateConfig{IntervalMin: 5, MinCoverage: 0.8},
		Indices: []config.IndexConfig{
			{Code: "HSI", Currency: "HKD", Timezone: "Asia/Hong_Kong",
				AMOpen: "09:30", AMClose: "12:00", FullClose: "16:00"},
		},
	}
}

func okSource(name string, last, turnover int64) source.Source {
	return source.Func{
		SourceName: name,
		FetchFunc: func(_ context.Context, _ string, _ model.TradeDate, _ model.Session) (model.RawQuoteRecord, error) {
			return model.RawQuoteRecord{
				Last: last, HasPrice: true,
				TurnoverAmount: turnover, HasTurnover: true,
				AsOf: time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC),
			}, nil
		},
	}
}

func failSource(name string, err error) source.Source {
	return source.Func{
		SourceName: name,
		FetchFunc: func(_ context.Context, _ string, _ model.TradeDate, _ model.Session) (model.RawQuoteRecord, error) {
			return model.RawQuoteRecord{}, err
		},
	}
}

var testKey = model.QuoteKey{IndexCode: "HSI", TradeDate: "2024-03-08", Session: model.SessionFull}

func TestRun_AppliesOfficialWinner(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{
		okSource("HKEX", 1650000, 123_450_000_000),
		okSource("TENCENT", 1650100, 123_460_000_000),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %s, want applied", res.Outcome)
	}
	if res.BestSource != "HKEX" {
		t.Errorf("BestSource = %s, want HKEX", res.BestSource)
	}
	if res.Quality != model.QualityOfficial {
		t.Errorf("Quality = %s, want official", res.Quality)
	}
	if res.Aggregated {
		t.Error("Aggregated = true for a direct result")
	}
	if got := raw.count(); got != 2 {
		t.Errorf("raw records = %d, want 2 (one per source)", got)
	}
	if len(hist.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(hist.upserts))
	}
	if cur := hist.upserts[0].TurnoverCurrency; cur != "HKD" {
		t.Errorf("TurnoverCurrency = %s, want HKD from index config", cur)
	}
}

func TestRun_PartialSourceFailureStillApplies(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{
		okSource("HKEX", 1650000, 123_450_000_000),
		failSource("TENCENT", errors.New("upstream 503")),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %s, want applied despite one failed source", res.Outcome)
	}
	if len(res.Failures) != 1 || res.Failures[0].Source != "TENCENT" {
		t.Fatalf("Failures = %+v, want one TENCENT entry", res.Failures)
	}
	// The failed attempt must still land in the raw log.
	if got := raw.count(); got != 2 {
		t.Errorf("raw records = %d, want 2", got)
	}
	recs, _ := raw.ListForKey(context.Background(), testKey)
	var failedLogged bool
	for _, r := range recs {
		if r.Source == "TENCENT" && !r.OK && r.Error != "" {
			failedLogged = true
		}
	}
	if !failedLogged {
		t.Error("failed fetch was not recorded with OK=false and an error")
	}
}

func TestRun_SkippedWhenStoredGradeBetter(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{outcome: store.Skipped}
	c := New(testConfig(), []source.Source{
		okSource("HKEX", 1650000, 123_450_000_000),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("Outcome = %s, want skipped", res.Outcome)
	}
}

// A stored row of strictly higher grade than every fetched record resolves
// silently: the pass reports skipped, and nothing reaches the canonical store.
func TestRun_DowngradeConflictResolvesSkipped(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{grade: model.QualityOfficial, hasGrade: true}
	c := New(testConfig(), []source.Source{
		okSource("TENCENT", 1650100, 123_460_000_000),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if res.Outcome != OutcomeSkipped {
		t.Fatalf("Outcome = %s, want skipped when the stored grade outranks every fetch", res.Outcome)
	}
	if len(hist.upserts) != 0 {
		t.Errorf("upserts = %d, want 0", len(hist.upserts))
	}
	// The provisional attempt still lands in the raw log.
	if got := raw.count(); got != 1 {
		t.Errorf("raw records = %d, want 1", got)
	}
}

func TestRun_NoDataWhenEverythingFails(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{
		failSource("HKEX", errors.New("timeout")),
		failSource("TENCENT", errors.New("timeout")),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if res.Outcome != OutcomeNoData {
		t.Errorf("Outcome = %s, want no_data", res.Outcome)
	}
	if len(hist.upserts) != 0 {
		t.Errorf("upserts = %d, want 0", len(hist.upserts))
	}
	// Every attempt still appended, even with nothing to reconcile.
	if got := raw.count(); got != 2 {
		t.Errorf("raw records = %d, want 2", got)
	}
}

func TestRun_AggregationFallback(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	start := time.Date(2024, 3, 8, 9, 30, 0, 0, hk)

	// Full bar coverage for the 09:30-16:00 session at 5-minute intervals.
	var bars []model.TimeBar
	for i := 0; i < 78; i++ {
		bars = append(bars, model.TimeBar{
			IndexCode:   "HSI",
			IntervalMin: 5,
			BarTime:     start.Add(time.Duration(i) * 5 * time.Minute),
			Source:      "TENCENT",
			Close:       1650000 + int64(i),
			Volume:      1000,
			Turnover:    1_000_000_000,
		})
	}

	raw := &fakeRaw{}
	hist := &fakeHistory{
		prev: &model.CanonicalQuote{
			IndexCode: "HSI", TradeDate: "2024-03-07", Session: model.SessionFull,
			Last: 1640000,
		},
	}
	c := New(testConfig(), []source.Source{
		failSource("HKEX", errors.New("timeout")),
		failSource("TENCENT", errors.New("timeout")),
	}, raw, hist, &fakeBars{bars: bars}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if !res.Aggregated {
		t.Fatal("Aggregated = false, want aggregation fallback to run")
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %s, want applied", res.Outcome)
	}
	if res.Quality != model.QualityEstimated {
		t.Errorf("Quality = %s, want estimated", res.Quality)
	}
	if len(hist.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(hist.upserts))
	}
	up := hist.upserts[0]
	if want := int64(78 * 1_000_000_000); up.TurnoverAmount != want {
		t.Errorf("TurnoverAmount = %d, want %d", up.TurnoverAmount, want)
	}
	if up.Last != 1650077 {
		t.Errorf("Last = %d, want close of final bar", up.Last)
	}
	if up.ChangePoints != 1650077-1640000 {
		t.Errorf("ChangePoints = %d, want difference to previous close", up.ChangePoints)
	}
}

// With no bars stored yet (no live job for the index), a finalize pass pulls
// them from bar-capable sources before giving up on aggregation.
func TestRun_AggregationFetchesBarsWhenNoneStored(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	start := time.Date(2024, 3, 8, 9, 30, 0, 0, hk)

	var fetched []model.TimeBar
	for i := 0; i < 78; i++ {
		fetched = append(fetched, model.TimeBar{
			BarTime:  start.Add(time.Duration(i) * 5 * time.Minute),
			Close:    1650000 + int64(i),
			Turnover: 1_000_000_000,
		})
	}

	raw := &fakeRaw{}
	hist := &fakeHistory{}
	bars := &fakeBars{} // nothing stored yet
	src := barSource{
		Source: failSource("TENCENT", errors.New("quote endpoint down")),
		bars:   fetched,
	}
	c := New(testConfig(), []source.Source{src}, raw, hist, bars, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if !res.Aggregated {
		t.Fatal("Aggregated = false, want bars fetched on demand")
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %s, want applied", res.Outcome)
	}
	if len(bars.inserted) != 78 {
		t.Errorf("bars inserted = %d, want 78", len(bars.inserted))
	}
	for _, bar := range bars.inserted {
		if bar.IndexCode != "HSI" || bar.Source != "TENCENT" || bar.IntervalMin != 5 {
			t.Fatalf("bar not stamped: %+v", bar)
		}
	}
}

func TestRun_ThinBarsDoNotAggregate(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	start := time.Date(2024, 3, 8, 9, 30, 0, 0, hk)

	var bars []model.TimeBar
	for i := 0; i < 30; i++ { // well under 80% of 78
		bars = append(bars, model.TimeBar{
			IndexCode: "HSI", IntervalMin: 5, Source: "TENCENT",
			BarTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Close:   1650000, Turnover: 1_000_000_000,
		})
	}

	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{
		failSource("HKEX", errors.New("timeout")),
	}, raw, hist, &fakeBars{bars: bars}, &fakeSnapshots{}, nil)

	res, err := c.Run(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Aggregated {
		t.Error("Aggregated = true, want gap guard to reject thin coverage")
	}
	if res.Outcome != OutcomeNoData {
		t.Errorf("Outcome = %s, want no_data", res.Outcome)
	}
}

func TestRun_NormalizesIndexAliases(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{
		okSource("HKEX", 1650000, 123_450_000_000),
	}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	key := testKey
	key.IndexCode = "KS11" // alias of HS11

	res, err := c.Run(context.Background(), key)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Key.IndexCode != "HS11" {
		t.Errorf("Key.IndexCode = %s, want normalized HS11", res.Key.IndexCode)
	}
}

func TestRun_ClosesSnapshotAfterFullDay(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	snaps := &fakeSnapshots{}
	c := New(testConfig(), []source.Source{
		okSource("HKEX", 1650000, 123_450_000_000),
	}, raw, hist, &fakeBars{}, snaps, nil)

	if _, err := c.Run(context.Background(), testKey); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(snaps.snaps) != 1 {
		t.Fatalf("snapshot upserts = %d, want 1", len(snaps.snaps))
	}
	if !snaps.snaps[0].IsClosed {
		t.Error("snapshot not closed after a finalized full-day pass")
	}
}

func TestRunLive_WritesOpenSnapshot(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	snaps := &fakeSnapshots{}
	c := New(testConfig(), []source.Source{
		okSource("TENCENT", 1655000, 90_000_000_000),
	}, raw, hist, &fakeBars{}, snaps, nil)

	res, err := c.RunLive(context.Background(), testKey)
	if err != nil {
		t.Fatalf("RunLive error: %v", err)
	}

	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %s, want applied", res.Outcome)
	}
	if len(hist.upserts) != 0 {
		t.Errorf("canonical upserts = %d, want 0 from a live pass", len(hist.upserts))
	}
	if len(snaps.snaps) != 1 {
		t.Fatalf("snapshot upserts = %d, want 1", len(snaps.snaps))
	}
	snap := snaps.snaps[0]
	if snap.IsClosed {
		t.Error("live snapshot written closed")
	}
	if snap.Source != "TENCENT" {
		t.Errorf("Source = %s, want TENCENT", snap.Source)
	}
	if snap.Last != 1655000 || snap.TurnoverAmount != 90_000_000_000 {
		t.Errorf("snapshot figures = (%d, %d)", snap.Last, snap.TurnoverAmount)
	}
	// Every live attempt still lands in the raw log.
	if got := raw.count(); got != 1 {
		t.Errorf("raw records = %d, want 1", got)
	}
}

// barSource reports quotes and intraday bars.
type barSource struct {
	source.Source
	bars []model.TimeBar
}

func (b barSource) FetchBars(_ context.Context, _ string, _ model.TradeDate, _ int) ([]model.TimeBar, error) {
	return b.bars, nil
}

func TestRunLive_IngestsBars(t *testing.T) {
	raw := &fakeRaw{}
	hist := &fakeHistory{}
	bars := &fakeBars{}
	src := barSource{
		Source: okSource("TENCENT", 1655000, 90_000_000_000),
		bars: []model.TimeBar{
			{BarTime: time.Date(2024, 3, 8, 9, 30, 0, 0, time.UTC), Close: 1650000, Turnover: 1_000_000},
			{BarTime: time.Date(2024, 3, 8, 9, 35, 0, 0, time.UTC), Close: 1650100, Turnover: 2_000_000},
		},
	}
	c := New(testConfig(), []source.Source{src}, raw, hist, bars, &fakeSnapshots{}, nil)

	if _, err := c.RunLive(context.Background(), testKey); err != nil {
		t.Fatalf("RunLive error: %v", err)
	}

	if len(bars.inserted) != 2 {
		t.Fatalf("bars inserted = %d, want 2", len(bars.inserted))
	}
	for _, bar := range bars.inserted {
		if bar.IndexCode != "HSI" || bar.Source != "TENCENT" || bar.IntervalMin != 5 {
			t.Errorf("bar not stamped: %+v", bar)
		}
	}
}

func TestRun_CoalescesConcurrentPasses(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})

	blocking := source.Func{
		SourceName: "HKEX",
		FetchFunc: func(ctx context.Context, _ string, _ model.TradeDate, _ model.Session) (model.RawQuoteRecord, error) {
			fetches.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return model.RawQuoteRecord{
				Last: 1650000, HasPrice: true,
				TurnoverAmount: 123_450_000_000, HasTurnover: true,
			}, nil
		},
	}

	raw := &fakeRaw{}
	hist := &fakeHistory{}
	c := New(testConfig(), []source.Source{blocking}, raw, hist, &fakeBars{}, &fakeSnapshots{}, nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]PassResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Run(context.Background(), testKey)
		}()
	}

	// Let all callers pile onto the in-flight pass before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Outcome != OutcomeApplied {
			t.Errorf("caller %d: Outcome = %s, want applied", i, results[i].Outcome)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 shared execution", got)
	}
	if len(hist.upserts) != 1 {
		t.Errorf("upserts = %d, want 1", len(hist.upserts))
	}
}
