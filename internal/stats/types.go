package stats

import (
	"time"

	"github.com/jchau/turnover-data/internal/model"
)

// Tier names which fallback level supplied the current value.
type Tier string

const (
	// TierLive means the still-updating snapshot for today.
	TierLive Tier = "live"
	// TierToday means today's finalized canonical quote.
	TierToday Tier = "today"
	// TierPrevious means the most recent prior canonical quote.
	TierPrevious Tier = "previous"
)

// TrailingAverage is the mean turnover over the most recent sessions of one
// session type.
type TrailingAverage struct {
	Window   int     `json:"window"`   // requested window size
	Sessions int     `json:"sessions"` // sessions actually available
	Average  float64 `json:"average"`  // defined only when Sessions > 0
	Partial  bool    `json:"partial"`  // fewer sessions than the window asked for
}

// Peak is an all-time maximum and the day it was set. Ties resolve to the
// most recent date.
type Peak struct {
	Value int64           `json:"value"`
	Date  model.TradeDate `json:"date"`
}

// SessionStats holds the derived figures for one session type.
type SessionStats struct {
	Trailing     []TrailingAverage `json:"trailing"`
	PeakTurnover *Peak             `json:"peak_turnover,omitempty"`

	// Percentile is today's turnover rank within the trailing prior
	// distribution, in [0,1]. Nil when today has no turnover yet or no
	// prior sessions exist.
	Percentile         *float64 `json:"percentile,omitempty"`
	PercentileSessions int      `json:"percentile_sessions"`
}

// CurrentValue is the freshest available view of the index, resolved
// through the live → today → previous fallback chain.
type CurrentValue struct {
	Tier         Tier            `json:"tier"`
	Session      model.Session   `json:"session"`
	TradeDate    model.TradeDate `json:"trade_date"`
	Last         int64           `json:"last"`
	ChangePoints int64           `json:"change_points"`
	ChangePct    int64           `json:"change_pct"`
	Turnover     int64           `json:"turnover"`
	HasTurnover  bool            `json:"has_turnover"`
	AsOf         time.Time       `json:"as_of"`
}

// DerivedStats is the read-side product of the engine for one index.
type DerivedStats struct {
	IndexCode string          `json:"index_code"`
	AsOfDay   model.TradeDate `json:"as_of_day"`

	Sessions  map[model.Session]SessionStats `json:"sessions"`
	PricePeak *Peak                          `json:"price_peak,omitempty"`
	Current   *CurrentValue                  `json:"current,omitempty"` // nil when no data exists at all
}
