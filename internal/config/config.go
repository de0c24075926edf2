package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jchau/turnover-data/internal/model"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for a reconciler instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Database  DatabaseConfig  `yaml:"database"`
	Sources   []SourceConfig  `yaml:"sources"`
	Priority  PriorityConfig  `yaml:"priority"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Stats     StatsConfig     `yaml:"stats"`
	Indices   []IndexConfig   `yaml:"indices"`
	Jobs      []JobConfig     `yaml:"jobs"`
	Health    HealthConfig    `yaml:"health"`
}

// InstanceConfig identifies this reconciler.
type InstanceConfig struct {
	ID string `yaml:"id"`
	TZ string `yaml:"tz"` // scheduler time zone, e.g. Asia/Hong_Kong
}

// DatabaseConfig holds the PostgreSQL connection for all durable state.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SourceConfig statically maps one upstream source to the grade it can
// produce and the timeout its fetches run under.
type SourceConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"` // quote endpoint base URL
	Grade   model.Quality `yaml:"grade"`
	Timeout Duration      `yaml:"timeout"`
}

// PriorityConfig fixes the tie-break order among sources at the same grade.
// Overrides apply per (index, session); the default order covers the rest.
type PriorityConfig struct {
	Default   []string           `yaml:"default"`
	Overrides []PriorityOverride `yaml:"overrides"`
}

// PriorityOverride replaces the default source order for one index/session.
type PriorityOverride struct {
	Index   string        `yaml:"index"`
	Session model.Session `yaml:"session"`
	Order   []string      `yaml:"order"`
}

// ReconcileConfig holds reconciliation policy constants.
type ReconcileConfig struct {
	// ToleranceBps is the max relative turnover disagreement, in basis
	// points, for a source to count as corroborating the winner.
	ToleranceBps int64 `yaml:"tolerance_bps"`
}

// AggregateConfig holds intraday aggregation policy.
type AggregateConfig struct {
	IntervalMin int `yaml:"interval_min"`
	// MinCoverage is the minimum fraction of expected bars that must be
	// present before a synthetic session total is produced.
	MinCoverage float64 `yaml:"min_coverage"`
}

// StatsConfig holds derived-statistics policy.
type StatsConfig struct {
	TrailingWindows  []int    `yaml:"trailing_windows"`
	PercentileWindow int      `yaml:"percentile_window"`
	SnapshotMaxAge   Duration `yaml:"snapshot_max_age"`
}

// IndexConfig describes one tracked market index and its session windows.
// Times are wall-clock "15:04" strings in the index's own time zone.
type IndexConfig struct {
	Code      string `yaml:"code"`
	Currency  string `yaml:"currency"`
	Timezone  string `yaml:"timezone"`
	AMOpen    string `yaml:"am_open"`
	AMClose   string `yaml:"am_close"`
	FullClose string `yaml:"full_close"`
}

// JobConfig binds a cron expression to a reconciliation pass over a set of
// indices for one session.
type JobConfig struct {
	Name    string        `yaml:"name"`
	Cron    string        `yaml:"cron"`
	Session model.Session `yaml:"session"`
	Indices []string      `yaml:"indices"`
	// Live jobs refresh the intraday snapshot instead of finalizing history.
	Live bool `yaml:"live"`
}

// HealthConfig holds the health/debug HTTP listener settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// SourceGrades returns the static source→grade mapping.
func (c *Config) SourceGrades() map[string]model.Quality {
	grades := make(map[string]model.Quality, len(c.Sources))
	for _, s := range c.Sources {
		grades[s.Name] = s.Grade
	}
	return grades
}

// PriorityFor returns the source order for one index/session, falling back
// to the default order when no override matches.
func (c *Config) PriorityFor(index string, session model.Session) []string {
	for _, o := range c.Priority.Overrides {
		if o.Index == index && o.Session == session {
			return o.Order
		}
	}
	return c.Priority.Default
}

// Index returns the configuration for one index code.
func (c *Config) Index(code string) (IndexConfig, bool) {
	for _, ic := range c.Indices {
		if ic.Code == code {
			return ic, true
		}
	}
	return IndexConfig{}, false
}
