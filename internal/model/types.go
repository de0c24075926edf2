package model

import "time"

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// Session identifies the sub-period of a trading day a figure covers.
type Session string

const (
	SessionAM   Session = "AM"   // open through the midday break
	SessionFull Session = "FULL" // full trading day
)

// Valid reports whether s is a known session type.
func (s Session) Valid() bool {
	return s == SessionAM || s == SessionFull
}

// Quality is the trust tier assigned to a reconciled figure, derived from
// the source that produced it. Higher rank means higher trust; a stored row
// is never overwritten by a strictly lower-ranked candidate.
type Quality string

const (
	QualityOfficial    Quality = "official"
	QualityProvisional Quality = "provisional"
	QualityEstimated   Quality = "estimated"
	QualityFallback    Quality = "fallback"
)

// qualityRanks orders grades from lowest to highest trust.
var qualityRanks = map[Quality]int{
	QualityFallback:    1,
	QualityEstimated:   2,
	QualityProvisional: 3,
	QualityOfficial:    4,
}

// Rank returns the ordering value of q. Unknown grades rank below every
// known grade so a misconfigured source can never win reconciliation.
func (q Quality) Rank() int {
	return qualityRanks[q]
}

// Valid reports whether q is one of the known grades.
func (q Quality) Valid() bool {
	_, ok := qualityRanks[q]
	return ok
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

// TradeDate is a civil calendar date in the "2006-01-02" layout.
// It deliberately carries no time zone; the trading calendar of the index
// decides which wall-clock instants belong to it.
type TradeDate string

// TradeDateOf converts t to the trade date of its location.
func TradeDateOf(t time.Time) TradeDate {
	return TradeDate(t.Format("2006-01-02"))
}

// Time parses the date at midnight UTC. Returns the zero time for malformed
// values.
func (d TradeDate) Time() time.Time {
	t, err := time.Parse("2006-01-02", string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// QuoteKey identifies one reconciliation subject.
type QuoteKey struct {
	IndexCode string
	TradeDate TradeDate
	Session   Session
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// RawQuoteRecord is one fetch attempt from one source for one key.
// Rows are append-only: repeated polling produces repeated rows, and the
// latest successful row per source is the authoritative reconciliation input.
type RawQuoteRecord struct {
	IndexCode string
	TradeDate TradeDate
	Session   Session
	Source    string

	Last             int64 // ×100, 0 when the source did not report a price
	ChangePoints     int64 // ×100
	ChangePct        int64 // ×100 (percent)
	TurnoverAmount   int64 // smallest currency unit, 0 when absent
	HasTurnover      bool
	HasPrice         bool
	TurnoverCurrency string

	AsOf      time.Time // source-reported timestamp
	Payload   []byte    // opaque upstream payload for audit
	FetchedAt time.Time
	OK        bool
	Error     string // present iff OK is false
}

// CanonicalQuote is the single authoritative row per (index, day, session).
type CanonicalQuote struct {
	IndexCode string
	TradeDate TradeDate
	Session   Session

	Last             int64 // ×100
	ChangePoints     int64 // ×100
	ChangePct        int64 // ×100
	TurnoverAmount   int64
	HasTurnover      bool
	TurnoverCurrency string

	BestSource  string
	Quality     Quality
	SourceCount int // distinct corroborating sources at the winning grade or higher

	AsOf      time.Time
	Payload   []byte
	UpdatedAt time.Time
}

// LiveSnapshot is the still-updating view of the current session. At most
// one row exists per (index, trade date); it is overwritten in place until
// IsClosed, then superseded by the canonical quote.
type LiveSnapshot struct {
	IndexCode string
	TradeDate TradeDate
	Session   Session

	Last             int64 // ×100
	ChangePoints     int64 // ×100
	ChangePct        int64 // ×100
	TurnoverAmount   int64
	HasTurnover      bool
	TurnoverCurrency string

	Source        string
	DataUpdatedAt time.Time
	IsClosed      bool
}

// TimeBar is one fine-grained intraday bar, the aggregation input used when
// no source reports a direct session total. Deduplicated by
// (index, interval, bar time, source).
type TimeBar struct {
	IndexCode   string
	IntervalMin int
	BarTime     time.Time
	Source      string

	Open     int64 // ×100
	High     int64 // ×100
	Low      int64 // ×100
	Close    int64 // ×100
	Volume   int64
	Turnover int64
}
