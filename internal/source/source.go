package source

import (
	"context"

	"github.com/jchau/turnover-data/internal/model"
)

// Source fetches one index quote for a trading day and session. Fetch runs
// under a per-source deadline set by the caller; implementations must honor
// ctx cancellation. The returned record does not need Source, FetchedAt, OK
// or Error populated, the coordinator stamps those.
type Source interface {
	Name() string
	Fetch(ctx context.Context, indexCode string, day model.TradeDate, session model.Session) (model.RawQuoteRecord, error)
}

// BarFetcher is implemented by sources that also expose intraday time bars.
// Bars feed session aggregation when no source reports a direct total.
type BarFetcher interface {
	FetchBars(ctx context.Context, indexCode string, day model.TradeDate, intervalMin int) ([]model.TimeBar, error)
}

// Func adapts a plain function into a Source.
type Func struct {
	SourceName string
	FetchFunc  func(ctx context.Context, indexCode string, day model.TradeDate, session model.Session) (model.RawQuoteRecord, error)
}

func (f Func) Name() string { return f.SourceName }

func (f Func) Fetch(ctx context.Context, indexCode string, day model.TradeDate, session model.Session) (model.RawQuoteRecord, error) {
	return f.FetchFunc(ctx, indexCode, day, session)
}
