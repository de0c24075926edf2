package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jchau/turnover-data/internal/model"
)

// PriorityFunc returns the source tie-break order for one index/session.
type PriorityFunc func(index string, session model.Session) []string

// Decision classifies what one reconciliation fold produced.
type Decision int

const (
	// DecisionNoInput means no eligible records existed for the key.
	DecisionNoInput Decision = iota
	// DecisionDowngrade means the best eligible grade ranks strictly below
	// the stored grade; applying would downgrade the row.
	DecisionDowngrade
	// DecisionCandidate means a canonical candidate was produced.
	DecisionCandidate
)

// Reconciler holds the reconciliation policy. It carries no mutable state
// and is safe for concurrent use.
type Reconciler struct {
	grades       map[string]model.Quality
	priorityFor  PriorityFunc
	toleranceBps int64
}

// New creates a Reconciler from the static source→grade mapping, the
// priority lookup and the turnover agreement tolerance in basis points.
func New(grades map[string]model.Quality, priorityFor PriorityFunc, toleranceBps int64) *Reconciler {
	return &Reconciler{
		grades:       grades,
		priorityFor:  priorityFor,
		toleranceBps: toleranceBps,
	}
}

// disagreementNote is attached to the candidate payload when sources at the
// winning grade disagree on turnover beyond tolerance. The conflict is audit
// data, not an error; the priority order already broke the tie.
type disagreementNote struct {
	Source   string `json:"source"`
	Turnover int64  `json:"turnover"`
}

// Reconcile folds the raw records for one key into a canonical candidate.
//
// existingGrade is the grade of the currently stored row, or the empty
// string when none exists. The Decision tells callers apart the two ways
// nothing gets applied: no eligible records at all, or a best grade that
// would downgrade the stored row.
//
// An eligible record that names a source missing from the grade mapping is
// a configuration error and fails the whole pass.
func (r *Reconciler) Reconcile(key model.QuoteKey, records []model.RawQuoteRecord, existingGrade model.Quality) (model.CanonicalQuote, Decision, error) {
	latest := latestPerSource(records)
	if len(latest) == 0 {
		return model.CanonicalQuote{}, DecisionNoInput, nil
	}

	// Grade every participating source up front so a misconfigured source
	// is caught even when it would not have won.
	grades := make(map[string]model.Quality, len(latest))
	top := model.Quality("")
	for source := range latest {
		grade, ok := r.grades[source]
		if !ok {
			return model.CanonicalQuote{}, DecisionNoInput, fmt.Errorf("source %q has no grade mapping", source)
		}
		grades[source] = grade
		if grade.Rank() > top.Rank() {
			top = grade
		}
	}

	if top.Rank() < existingGrade.Rank() {
		// Strictly lower quality than what is already stored: no-op.
		return model.CanonicalQuote{}, DecisionDowngrade, nil
	}

	winner := r.selectWinner(key, latest, grades, top)
	best := latest[winner]

	count, conflicts := r.corroborate(best, latest, grades, top)

	payload := best.Payload
	if len(conflicts) > 0 {
		payload = attachDisagreements(payload, conflicts)
	}

	return model.CanonicalQuote{
		IndexCode:        key.IndexCode,
		TradeDate:        key.TradeDate,
		Session:          key.Session,
		Last:             best.Last,
		ChangePoints:     best.ChangePoints,
		ChangePct:        best.ChangePct,
		TurnoverAmount:   best.TurnoverAmount,
		HasTurnover:      best.HasTurnover,
		TurnoverCurrency: best.TurnoverCurrency,
		BestSource:       best.Source,
		Quality:          top,
		SourceCount:      count,
		AsOf:             best.AsOf,
		Payload:          payload,
	}, DecisionCandidate, nil
}

// latestPerSource keeps the newest successful record per source. Records
// without a price are not reconciliation input.
func latestPerSource(records []model.RawQuoteRecord) map[string]model.RawQuoteRecord {
	latest := make(map[string]model.RawQuoteRecord)
	for _, rec := range records {
		if !rec.OK || !rec.HasPrice {
			continue
		}
		prev, seen := latest[rec.Source]
		if !seen || recordTime(rec).After(recordTime(prev)) {
			latest[rec.Source] = rec
		}
	}
	return latest
}

// recordTime orders records by source as-of time, falling back to the fetch
// time when the source reported none.
func recordTime(rec model.RawQuoteRecord) time.Time {
	if !rec.AsOf.IsZero() {
		return rec.AsOf
	}
	return rec.FetchedAt
}

// selectWinner picks the first top-grade source in the configured priority
// order. Sources absent from the order lose to any listed source; among
// unlisted sources the lexicographically smallest name wins, keeping the
// choice deterministic.
func (r *Reconciler) selectWinner(key model.QuoteKey, latest map[string]model.RawQuoteRecord, grades map[string]model.Quality, top model.Quality) string {
	var atTop []string
	for source, grade := range grades {
		if grade == top {
			atTop = append(atTop, source)
		}
	}
	sort.Strings(atTop)

	for _, preferred := range r.priorityFor(key.IndexCode, key.Session) {
		for _, source := range atTop {
			if source == preferred {
				return source
			}
		}
	}
	return atTop[0]
}

// corroborate counts distinct sources at the winning grade or higher whose
// turnover agrees with the winner within tolerance, and collects top-grade
// conflicts for the audit payload. Corroboration upgrades confidence only;
// it never changes the selected source.
func (r *Reconciler) corroborate(best model.RawQuoteRecord, latest map[string]model.RawQuoteRecord, grades map[string]model.Quality, top model.Quality) (int, []disagreementNote) {
	count := 1
	var conflicts []disagreementNote

	if !best.HasTurnover {
		return count, nil
	}

	sources := make([]string, 0, len(latest))
	for source := range latest {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		if source == best.Source {
			continue
		}
		rec := latest[source]
		if grades[source].Rank() < top.Rank() || !rec.HasTurnover {
			continue
		}
		if r.withinTolerance(best.TurnoverAmount, rec.TurnoverAmount) {
			count++
		} else {
			conflicts = append(conflicts, disagreementNote{Source: source, Turnover: rec.TurnoverAmount})
		}
	}
	return count, conflicts
}

// withinTolerance reports whether b agrees with the reference turnover a
// within the configured relative tolerance.
func (r *Reconciler) withinTolerance(a, b int64) bool {
	if a == 0 {
		return b == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	ref := a
	if ref < 0 {
		ref = -ref
	}
	return diff*10_000 <= r.toleranceBps*ref
}

// attachDisagreements wraps the winner's payload with the conflicting
// top-grade turnover figures.
func attachDisagreements(payload []byte, conflicts []disagreementNote) []byte {
	wrapped := struct {
		SourcePayload json.RawMessage    `json:"source_payload,omitempty"`
		Disagreements []disagreementNote `json:"turnover_disagreements"`
	}{
		Disagreements: conflicts,
	}
	if json.Valid(payload) {
		wrapped.SourcePayload = json.RawMessage(payload)
	}
	out, err := json.Marshal(wrapped)
	if err != nil {
		// Marshal of plain structs cannot fail; keep the original payload
		// rather than lose it.
		return payload
	}
	return out
}
