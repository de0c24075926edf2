package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTZ               = "Asia/Hong_Kong"
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultSourceTimeout    = 10 * time.Second
	DefaultToleranceBps     = 50 // 0.5% relative turnover disagreement
	DefaultBarIntervalMin   = 5
	DefaultMinCoverage      = 0.80
	DefaultPercentileWindow = 30
	DefaultSnapshotMaxAge   = 10 * time.Minute
	DefaultHealthPort       = 8080
)

// DefaultTrailingWindows are the trailing-average window sizes applied when
// the config names none.
var DefaultTrailingWindows = []int{5, 10}

func (c *Config) applyDefaults() {
	if c.Instance.TZ == "" {
		c.Instance.TZ = DefaultTZ
	}

	applyDBDefaults(&c.Database.Postgres)

	for i := range c.Sources {
		if c.Sources[i].Timeout == 0 {
			c.Sources[i].Timeout = Duration(DefaultSourceTimeout)
		}
	}

	if c.Reconcile.ToleranceBps == 0 {
		c.Reconcile.ToleranceBps = DefaultToleranceBps
	}

	if c.Aggregate.IntervalMin == 0 {
		c.Aggregate.IntervalMin = DefaultBarIntervalMin
	}
	if c.Aggregate.MinCoverage == 0 {
		c.Aggregate.MinCoverage = DefaultMinCoverage
	}

	if len(c.Stats.TrailingWindows) == 0 {
		c.Stats.TrailingWindows = append([]int(nil), DefaultTrailingWindows...)
	}
	if c.Stats.PercentileWindow == 0 {
		c.Stats.PercentileWindow = DefaultPercentileWindow
	}
	if c.Stats.SnapshotMaxAge == 0 {
		c.Stats.SnapshotMaxAge = Duration(DefaultSnapshotMaxAge)
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
