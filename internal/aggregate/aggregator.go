package aggregate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/jchau/turnover-data/internal/model"
)

// PseudoSource tags synthetic records produced by session aggregation.
const PseudoSource = "INTRADAY_AGG"

// Input carries everything one session aggregation needs. Bars outside
// [WindowStart, WindowEnd] are ignored.
type Input struct {
	Key  model.QuoteKey
	Bars []model.TimeBar

	WindowStart time.Time
	WindowEnd   time.Time
	IntervalMin int
	MinCoverage float64

	// PrevClose is the previous session's canonical close (×100), used for
	// the change figures. Zero HasPrevClose leaves change unset.
	PrevClose    int64
	HasPrevClose bool

	Currency string
	Now      time.Time
}

// summary is stored as the synthetic record's payload for audit.
type summary struct {
	Bars     int     `json:"bars"`
	Expected int     `json:"expected"`
	Coverage float64 `json:"coverage"`
	Interval int     `json:"interval_min"`
}

// Session sums turnover and volume across the session window and takes the
// last price from the final bar at or before session end. It returns false
// when bar coverage is below MinCoverage: a partial window must not be
// mistaken for a quiet session.
func Session(in Input) (model.RawQuoteRecord, bool) {
	bars := dedupeWindow(in.Bars, in.WindowStart, in.WindowEnd)
	if len(bars) == 0 {
		return model.RawQuoteRecord{}, false
	}

	expected := expectedBars(in.WindowStart, in.WindowEnd, in.IntervalMin)
	if expected == 0 {
		return model.RawQuoteRecord{}, false
	}
	coverage := float64(len(bars)) / float64(expected)
	if coverage < in.MinCoverage {
		return model.RawQuoteRecord{}, false
	}

	var turnover, volume int64
	for _, bar := range bars {
		turnover += bar.Turnover
		volume += bar.Volume
	}
	last := bars[len(bars)-1].Close

	rec := model.RawQuoteRecord{
		IndexCode:        in.Key.IndexCode,
		TradeDate:        in.Key.TradeDate,
		Session:          in.Key.Session,
		Source:           PseudoSource,
		Last:             last,
		HasPrice:         true,
		TurnoverAmount:   turnover,
		HasTurnover:      true,
		TurnoverCurrency: in.Currency,
		AsOf:             bars[len(bars)-1].BarTime,
		FetchedAt:        in.Now,
		OK:               true,
	}

	if in.HasPrevClose && in.PrevClose != 0 {
		rec.ChangePoints = last - in.PrevClose
		rec.ChangePct = (last - in.PrevClose) * 10_000 / in.PrevClose
	}

	if payload, err := json.Marshal(summary{
		Bars:     len(bars),
		Expected: expected,
		Coverage: coverage,
		Interval: in.IntervalMin,
	}); err == nil {
		rec.Payload = payload
	}

	return rec, true
}

// dedupeWindow keeps one bar per bar time inside the window, sorted by time.
// When several sources report the same bar the lexicographically smallest
// source wins, which keeps aggregation deterministic.
func dedupeWindow(bars []model.TimeBar, start, end time.Time) []model.TimeBar {
	byTime := make(map[time.Time]model.TimeBar)
	for _, bar := range bars {
		if bar.BarTime.Before(start) || bar.BarTime.After(end) {
			continue
		}
		prev, seen := byTime[bar.BarTime]
		if !seen || bar.Source < prev.Source {
			byTime[bar.BarTime] = bar
		}
	}

	out := make([]model.TimeBar, 0, len(byTime))
	for _, bar := range byTime {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BarTime.Before(out[j].BarTime) })
	return out
}

// expectedBars is the number of whole intervals in the window.
func expectedBars(start, end time.Time, intervalMin int) int {
	if intervalMin <= 0 || !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / (time.Duration(intervalMin) * time.Minute))
}
