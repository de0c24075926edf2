package aggregate

import (
	"fmt"
	"time"

	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/model"
)

// SessionWindow resolves the wall-clock window of one session on one trading
// day, in the index's own time zone. The AM session runs from open to the
// midday break; FULL runs from open to the closing bell.
func SessionWindow(ic config.IndexConfig, date model.TradeDate, session model.Session) (start, end time.Time, err error) {
	loc, err := time.LoadLocation(ic.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("index %s timezone: %w", ic.Code, err)
	}

	day, err := time.ParseInLocation("2006-01-02", string(date), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("index %s trade date %q: %w", ic.Code, date, err)
	}

	var closeStr string
	switch session {
	case model.SessionAM:
		closeStr = ic.AMClose
	case model.SessionFull:
		closeStr = ic.FullClose
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("index %s: unknown session %q", ic.Code, session)
	}

	start, err = atClock(day, ic.AMOpen)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("index %s am_open: %w", ic.Code, err)
	}
	end, err = atClock(day, closeStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("index %s session close: %w", ic.Code, err)
	}
	return start, end, nil
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
