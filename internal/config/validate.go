package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if _, err := time.LoadLocation(c.Instance.TZ); err != nil {
		return fmt.Errorf("instance.tz: %w", err)
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	sourceNames := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if sourceNames[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate source %q", i, s.Name)
		}
		sourceNames[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("sources[%d].url is required", i)
		}
		if !s.Grade.Valid() {
			return fmt.Errorf("sources[%d]: unknown grade %q for source %q", i, s.Grade, s.Name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("sources[%d].timeout must be positive", i)
		}
	}

	if len(c.Priority.Default) == 0 {
		return errors.New("priority.default is required")
	}
	for _, name := range c.Priority.Default {
		if !sourceNames[name] {
			return fmt.Errorf("priority.default names unknown source %q", name)
		}
	}
	for i, o := range c.Priority.Overrides {
		if !o.Session.Valid() {
			return fmt.Errorf("priority.overrides[%d]: unknown session %q", i, o.Session)
		}
		for _, name := range o.Order {
			if !sourceNames[name] {
				return fmt.Errorf("priority.overrides[%d] names unknown source %q", i, name)
			}
		}
	}

	if c.Reconcile.ToleranceBps < 0 {
		return errors.New("reconcile.tolerance_bps must be >= 0")
	}
	if c.Aggregate.IntervalMin < 1 {
		return errors.New("aggregate.interval_min must be >= 1")
	}
	if c.Aggregate.MinCoverage <= 0 || c.Aggregate.MinCoverage > 1 {
		return errors.New("aggregate.min_coverage must be in (0, 1]")
	}

	for _, n := range c.Stats.TrailingWindows {
		if n < 1 {
			return fmt.Errorf("stats.trailing_windows entry %d must be >= 1", n)
		}
	}
	if c.Stats.PercentileWindow < 1 {
		return errors.New("stats.percentile_window must be >= 1")
	}

	if len(c.Indices) == 0 {
		return errors.New("at least one index is required")
	}
	indexCodes := make(map[string]bool, len(c.Indices))
	for i, ic := range c.Indices {
		if ic.Code == "" {
			return fmt.Errorf("indices[%d].code is required", i)
		}
		if indexCodes[ic.Code] {
			return fmt.Errorf("indices[%d]: duplicate index %q", i, ic.Code)
		}
		indexCodes[ic.Code] = true
		if ic.Currency == "" {
			return fmt.Errorf("indices[%d].currency is required", i)
		}
		if _, err := time.LoadLocation(ic.Timezone); err != nil {
			return fmt.Errorf("indices[%d].timezone: %w", i, err)
		}
		for _, f := range []struct{ name, value string }{
			{"am_open", ic.AMOpen},
			{"am_close", ic.AMClose},
			{"full_close", ic.FullClose},
		} {
			if _, err := time.Parse("15:04", f.value); err != nil {
				return fmt.Errorf("indices[%d].%s: want HH:MM, got %q", i, f.name, f.value)
			}
		}
	}

	for i, j := range c.Jobs {
		if j.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if j.Cron == "" {
			return fmt.Errorf("jobs[%d].cron is required", i)
		}
		if !j.Session.Valid() {
			return fmt.Errorf("jobs[%d]: unknown session %q", i, j.Session)
		}
		if len(j.Indices) == 0 {
			return fmt.Errorf("jobs[%d].indices is required", i)
		}
		for _, code := range j.Indices {
			if !indexCodes[code] {
				return fmt.Errorf("jobs[%d] names unknown index %q", i, code)
			}
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
