package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/model"
	"github.com/jchau/turnover-data/internal/source"
)

// HTTPError represents an error response from a quote endpoint.
type HTTPError struct {
	Source     string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s quote endpoint: %d %s", e.Source, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// quotePayload is the wire shape every quote endpoint returns. Prices come
// as decimals and turnover in the smallest currency unit; turnover is
// omitted by sources that do not report it.
type quotePayload struct {
	Last      float64   `json:"last"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Turnover  *int64    `json:"turnover,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	AsOf      time.Time `json:"as_of"`
}

// HTTPQuote fetches index quotes from one upstream endpoint.
type HTTPQuote struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// Option configures an HTTPQuote.
type Option func(*HTTPQuote)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPQuote) {
		s.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *HTTPQuote) {
		s.httpClient = hc
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) Option {
	return func(s *HTTPQuote) {
		s.maxRetries = max
		s.retryBackoff = backoff
	}
}

// NewHTTPQuote creates a fetcher for one named upstream. The overall fetch
// deadline comes from the caller's context; the client itself sets none.
func NewHTTPQuote(name, baseURL string, opts ...Option) *HTTPQuote {
	s := &HTTPQuote{
		name:         name,
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		logger:       slog.Default(),
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements source.Source.
func (s *HTTPQuote) Name() string { return s.name }

// Fetch implements source.Source. The raw endpoint body is preserved in the
// record payload for audit.
func (s *HTTPQuote) Fetch(ctx context.Context, indexCode string, day model.TradeDate, session model.Session) (model.RawQuoteRecord, error) {
	query := url.Values{}
	query.Set("index", indexCode)
	query.Set("day", string(day))
	query.Set("session", string(session))

	body, err := s.getWithRetry(ctx, "/quote", query)
	if err != nil {
		return model.RawQuoteRecord{}, err
	}

	var p quotePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.RawQuoteRecord{}, fmt.Errorf("%s quote payload: %w", s.name, err)
	}

	rec := model.RawQuoteRecord{
		Last:             cents(p.Last),
		ChangePoints:     cents(p.Change),
		ChangePct:        cents(p.ChangePct),
		HasPrice:         p.Last != 0,
		TurnoverCurrency: p.Currency,
		AsOf:             p.AsOf,
		Payload:          body,
	}
	if p.Turnover != nil {
		rec.TurnoverAmount = *p.Turnover
		rec.HasTurnover = true
	}
	return rec, nil
}

// barPayload is one intraday bar on the wire.
type barPayload struct {
	Time     time.Time `json:"time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   int64     `json:"volume"`
	Turnover int64     `json:"turnover"`
}

// FetchBars implements source.BarFetcher. Endpoints without bar support
// return 404, which surfaces as a non-retryable error.
func (s *HTTPQuote) FetchBars(ctx context.Context, indexCode string, day model.TradeDate, intervalMin int) ([]model.TimeBar, error) {
	query := url.Values{}
	query.Set("index", indexCode)
	query.Set("day", string(day))
	query.Set("interval", fmt.Sprintf("%d", intervalMin))

	body, err := s.getWithRetry(ctx, "/bars", query)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Bars []barPayload `json:"bars"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%s bar payload: %w", s.name, err)
	}

	bars := make([]model.TimeBar, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		bars = append(bars, model.TimeBar{
			BarTime:  b.Time,
			Open:     cents(b.Open),
			High:     cents(b.High),
			Low:      cents(b.Low),
			Close:    cents(b.Close),
			Volume:   b.Volume,
			Turnover: b.Turnover,
		})
	}
	return bars, nil
}

// cents converts a decimal figure to ×100 fixed point.
func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func (s *HTTPQuote) getWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := s.retryBackoff

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			s.logger.Debug("retrying quote fetch",
				"source", s.name,
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := s.get(ctx, path, query)
		if err == nil {
			return body, nil
		}

		lastErr = err

		httpErr, ok := err.(*HTTPError)
		if !ok || !httpErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *HTTPQuote) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := s.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Source: s.name, StatusCode: resp.StatusCode, Body: body}
	}

	return body, nil
}

// Build creates one fetcher per configured source.
func Build(cfg *config.Config, logger *slog.Logger) ([]source.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]source.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if sc.URL == "" {
			return nil, fmt.Errorf("source %s has no url", sc.Name)
		}
		out = append(out, NewHTTPQuote(sc.Name, sc.URL, WithLogger(logger)))
	}
	return out, nil
}
