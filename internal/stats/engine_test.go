package stats

import (
	"context"
	"testing"
	"time"

	"github.com/jchau/turnover-data/internal/model"
)

// fakeHistory serves canned history rows and turnover series.
type fakeHistory struct {
	rows   map[model.QuoteKey]model.CanonicalQuote
	latest map[model.Session]model.CanonicalQuote

	// turnover series keyed by session; Through includes asOf, Before does not.
	through map[model.Session][]int64
	before  map[model.Session][]int64

	peakTurnover map[model.Session]Peak
	peakPrice    *Peak
}

func (f *fakeHistory) Get(_ context.Context, key model.QuoteKey) (model.CanonicalQuote, bool, error) {
	q, ok := f.rows[key]
	return q, ok, nil
}

func (f *fakeHistory) LatestBefore(_ context.Context, _ string, session model.Session, _ model.TradeDate) (model.CanonicalQuote, bool, error) {
	q, ok := f.latest[session]
	return q, ok, nil
}

func (f *fakeHistory) TurnoverSeriesThrough(_ context.Context, _ string, session model.Session, _ model.TradeDate, limit int) ([]int64, error) {
	return clip(f.through[session], limit), nil
}

func (f *fakeHistory) TurnoverSeriesBefore(_ context.Context, _ string, session model.Session, _ model.TradeDate, limit int) ([]int64, error) {
	return clip(f.before[session], limit), nil
}

func (f *fakeHistory) PeakTurnover(_ context.Context, _ string, session model.Session) (int64, model.TradeDate, bool, error) {
	p, ok := f.peakTurnover[session]
	return p.Value, p.Date, ok, nil
}

func (f *fakeHistory) PeakPrice(_ context.Context, _ string) (int64, model.TradeDate, bool, error) {
	if f.peakPrice == nil {
		return 0, "", false, nil
	}
	return f.peakPrice.Value, f.peakPrice.Date, true, nil
}

func clip(v []int64, limit int) []int64 {
	if len(v) > limit {
		return v[:limit]
	}
	return v
}

// fakeSnapshots serves one optional snapshot.
type fakeSnapshots struct {
	snap model.LiveSnapshot
	ok   bool
}

func (f *fakeSnapshots) Get(_ context.Context, _ string, _ model.TradeDate) (model.LiveSnapshot, bool, error) {
	return f.snap, f.ok, nil
}

const day = model.TradeDate("2024-03-08")

func newTestEngine(h *fakeHistory, s *fakeSnapshots, at time.Time) *Engine {
	e := NewEngine(DefaultConfig(), h, s, nil)
	e.now = func() time.Time { return at }
	return e
}

// Trailing-5 average with only 3 prior sessions: computed over 3, partial.
func TestCompute_TrailingAveragePartial(t *testing.T) {
	h := &fakeHistory{
		through: map[model.Session][]int64{
			model.SessionFull: {300, 200, 100},
		},
	}
	e := newTestEngine(h, &fakeSnapshots{}, time.Now())

	got, err := e.Compute(context.Background(), "HSI", day)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	full := got.Sessions[model.SessionFull]
	if len(full.Trailing) != 2 {
		t.Fatalf("len(Trailing) = %d, want 2 windows", len(full.Trailing))
	}

	t5 := full.Trailing[0]
	if t5.Window != 5 {
		t.Fatalf("Trailing[0].Window = %d, want 5", t5.Window)
	}
	if !t5.Partial {
		t.Error("trailing-5 over 3 sessions must be flagged partial")
	}
	if t5.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", t5.Sessions)
	}
	if t5.Average != 200 {
		t.Errorf("Average = %v, want 200", t5.Average)
	}
}

func TestCompute_TrailingAverageFullWindow(t *testing.T) {
	h := &fakeHistory{
		through: map[model.Session][]int64{
			model.SessionAM: {500, 400, 300, 200, 100, 99, 98},
		},
	}
	e := newTestEngine(h, &fakeSnapshots{}, time.Now())

	got, err := e.Compute(context.Background(), "HSI", day)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	t5 := got.Sessions[model.SessionAM].Trailing[0]
	if t5.Partial {
		t.Error("full window must not be partial")
	}
	if t5.Average != 300 {
		t.Errorf("Average = %v, want 300 (mean of 5 most recent)", t5.Average)
	}
}

func TestCompute_PercentileBounds(t *testing.T) {
	cases := []struct {
		name  string
		prior []int64
		today int64
		want  float64
	}{
		{"today above all", []int64{100, 200, 300}, 400, 1.0},
		{"today below all", []int64{100, 200, 300}, 50, 0.0},
		{"today in the middle", []int64{100, 200, 300, 400}, 250, 0.5},
		{"today equals a prior value", []int64{100, 200}, 200, 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeHistory{
				rows: map[model.QuoteKey]model.CanonicalQuote{
					{IndexCode: "HSI", TradeDate: day, Session: model.SessionFull}: {
						IndexCode: "HSI", TradeDate: day, Session: model.SessionFull,
						Last: 1650000, TurnoverAmount: tc.today, HasTurnover: true,
					},
				},
				before: map[model.Session][]int64{model.SessionFull: tc.prior},
			}
			e := newTestEngine(h, &fakeSnapshots{}, time.Now())

			got, err := e.Compute(context.Background(), "HSI", day)
			if err != nil {
				t.Fatalf("Compute error: %v", err)
			}

			p := got.Sessions[model.SessionFull].Percentile
			if p == nil {
				t.Fatal("Percentile = nil, want a value")
			}
			if *p < 0 || *p > 1 {
				t.Fatalf("Percentile = %v, out of [0,1]", *p)
			}
			if *p != tc.want {
				t.Errorf("Percentile = %v, want %v", *p, tc.want)
			}
		})
	}
}

// An empty prior distribution leaves the percentile undefined, not zero.
func TestCompute_PercentileEmptyDistribution(t *testing.T) {
	h := &fakeHistory{
		rows: map[model.QuoteKey]model.CanonicalQuote{
			{IndexCode: "HSI", TradeDate: day, Session: model.SessionFull}: {
				IndexCode: "HSI", TradeDate: day, Session: model.SessionFull,
				Last: 1650000, TurnoverAmount: 100, HasTurnover: true,
			},
		},
	}
	e := newTestEngine(h, &fakeSnapshots{}, time.Now())

	got, err := e.Compute(context.Background(), "HSI", day)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	full := got.Sessions[model.SessionFull]
	if full.Percentile != nil {
		t.Errorf("Percentile = %v, want nil for empty distribution", *full.Percentile)
	}
	if full.PercentileSessions != 0 {
		t.Errorf("PercentileSessions = %d, want 0", full.PercentileSessions)
	}
}

func TestCompute_PercentileUsesLiveSnapshot(t *testing.T) {
	now := time.Date(2024, 3, 8, 11, 45, 0, 0, time.UTC)
	h := &fakeHistory{
		before: map[model.Session][]int64{model.SessionAM: {100, 200, 300}},
	}
	s := &fakeSnapshots{
		ok: true,
		snap: model.LiveSnapshot{
			IndexCode: "HSI", TradeDate: day, Session: model.SessionAM,
			Last: 1650000, TurnoverAmount: 250, HasTurnover: true,
			DataUpdatedAt: now.Add(-time.Minute),
		},
	}
	e := newTestEngine(h, s, now)

	got, err := e.Compute(context.Background(), "HSI", day)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	p := got.Sessions[model.SessionAM].Percentile
	if p == nil {
		t.Fatal("Percentile = nil, want value from live snapshot")
	}
	if want := 2.0 / 3.0; *p != want {
		t.Errorf("Percentile = %v, want %v", *p, want)
	}
}

func TestCompute_Peaks(t *testing.T) {
	h := &fakeHistory{
		peakTurnover: map[model.Session]Peak{
			model.SessionFull: {Value: 360_000_000_000, Date: "2024-01-29"},
		},
		peakPrice: &Peak{Value: 3_380_000, Date: "2018-01-26"},
	}
	e := newTestEngine(h, &fakeSnapshots{}, time.Now())

	got, err := e.Compute(context.Background(), "HSI", day)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	full := got.Sessions[model.SessionFull]
	if full.PeakTurnover == nil || full.PeakTurnover.Value != 360_000_000_000 {
		t.Errorf("PeakTurnover = %+v, want 360000000000", full.PeakTurnover)
	}
	if am := got.Sessions[model.SessionAM]; am.PeakTurnover != nil {
		t.Errorf("AM PeakTurnover = %+v, want nil", am.PeakTurnover)
	}
	if got.PricePeak == nil || got.PricePeak.Value != 3_380_000 || got.PricePeak.Date != "2018-01-26" {
		t.Errorf("PricePeak = %+v, want 3380000 on 2018-01-26", got.PricePeak)
	}
}

func TestCompute_CurrentValueFallbackChain(t *testing.T) {
	now := time.Date(2024, 3, 8, 11, 45, 0, 0, time.UTC)

	liveSnap := model.LiveSnapshot{
		IndexCode: "HSI", TradeDate: day, Session: model.SessionAM,
		Last: 1655000, TurnoverAmount: 9_000_000_000, HasTurnover: true,
		DataUpdatedAt: now.Add(-2 * time.Minute),
	}
	todayRow := model.CanonicalQuote{
		IndexCode: "HSI", TradeDate: day, Session: model.SessionFull,
		Last: 1652000, TurnoverAmount: 150_000_000_000, HasTurnover: true,
	}
	priorRow := model.CanonicalQuote{
		IndexCode: "HSI", TradeDate: "2024-03-07", Session: model.SessionFull,
		Last: 1640000, TurnoverAmount: 140_000_000_000, HasTurnover: true,
	}

	t.Run("live preferred", func(t *testing.T) {
		h := &fakeHistory{
			rows: map[model.QuoteKey]model.CanonicalQuote{
				{IndexCode: "HSI", TradeDate: day, Session: model.SessionFull}: todayRow,
			},
		}
		e := newTestEngine(h, &fakeSnapshots{snap: liveSnap, ok: true}, now)

		got, err := e.Compute(context.Background(), "HSI", day)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if got.Current == nil || got.Current.Tier != TierLive {
			t.Fatalf("Current = %+v, want live tier", got.Current)
		}
		if got.Current.Last != 1655000 {
			t.Errorf("Current.Last = %d, want snapshot price", got.Current.Last)
		}
	})

	t.Run("stale snapshot falls back to today", func(t *testing.T) {
		stale := liveSnap
		stale.DataUpdatedAt = now.Add(-time.Hour)
		h := &fakeHistory{
			rows: map[model.QuoteKey]model.CanonicalQuote{
				{IndexCode: "HSI", TradeDate: day, Session: model.SessionFull}: todayRow,
			},
		}
		e := newTestEngine(h, &fakeSnapshots{snap: stale, ok: true}, now)

		got, err := e.Compute(context.Background(), "HSI", day)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if got.Current == nil || got.Current.Tier != TierToday {
			t.Fatalf("Current = %+v, want today tier", got.Current)
		}
	})

	t.Run("closed snapshot falls back", func(t *testing.T) {
		closed := liveSnap
		closed.IsClosed = true
		h := &fakeHistory{
			rows: map[model.QuoteKey]model.CanonicalQuote{
				{IndexCode: "HSI", TradeDate: day, Session: model.SessionFull}: todayRow,
			},
		}
		e := newTestEngine(h, &fakeSnapshots{snap: closed, ok: true}, now)

		got, err := e.Compute(context.Background(), "HSI", day)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if got.Current == nil || got.Current.Tier != TierToday {
			t.Fatalf("Current = %+v, want today tier", got.Current)
		}
	})

	t.Run("previous as last resort", func(t *testing.T) {
		h := &fakeHistory{
			latest: map[model.Session]model.CanonicalQuote{model.SessionFull: priorRow},
		}
		e := newTestEngine(h, &fakeSnapshots{}, now)

		got, err := e.Compute(context.Background(), "HSI", day)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if got.Current == nil || got.Current.Tier != TierPrevious {
			t.Fatalf("Current = %+v, want previous tier", got.Current)
		}
		if got.Current.TradeDate != "2024-03-07" {
			t.Errorf("Current.TradeDate = %s, want 2024-03-07", got.Current.TradeDate)
		}
	})

	t.Run("nothing anywhere", func(t *testing.T) {
		e := newTestEngine(&fakeHistory{}, &fakeSnapshots{}, now)

		got, err := e.Compute(context.Background(), "HSI", day)
		if err != nil {
			t.Fatalf("Compute error: %v", err)
		}
		if got.Current != nil {
			t.Errorf("Current = %+v, want nil", got.Current)
		}
	})
}
