package krx

import (
	"errors"
	"time"
)

// ErrOutOfRange is returned when a previous/next trading-day walk exceeds
// the caller-supplied scan bound without finding a trading day.
var ErrOutOfRange = errors.New("krx: no trading day within scan bound")

const dateLayout = "2006-01-02"

// Calendar answers trading-day membership questions. A date is a trading
// day iff it falls on Mon–Fri and is not in the holiday set. Holidays are
// supplied from configuration; the calendar itself carries no I/O.
type Calendar struct {
	holidays map[string]struct{} // ISO dates, local exchange time
	loc      *time.Location
}

// NewCalendar builds a calendar from ISO-formatted holiday dates
// ("2006-01-02"). Malformed entries are ignored. loc is the exchange's
// local time zone (Asia/Seoul in production); nil means time.Local.
func NewCalendar(holidays []string, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	set := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		if _, err := time.ParseInLocation(dateLayout, h, loc); err == nil {
			set[h] = struct{}{}
		}
	}
	return &Calendar{holidays: set, loc: loc}
}

// IsTradingDay reports whether the date of t (in the calendar's zone)
// is a trading day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format(dateLayout)]
	return !holiday
}

// PrevTradingDay returns the closest trading day strictly before t,
// scanning at most maxScan calendar days back.
func (c *Calendar) PrevTradingDay(t time.Time, maxScan int) (time.Time, error) {
	return c.walk(t, -1, maxScan)
}

// NextTradingDay returns the closest trading day strictly after t,
// scanning at most maxScan calendar days forward.
func (c *Calendar) NextTradingDay(t time.Time, maxScan int) (time.Time, error) {
	return c.walk(t, +1, maxScan)
}

func (c *Calendar) walk(t time.Time, step, maxScan int) (time.Time, error) {
	d := t.In(c.loc)
	for i := 0; i < maxScan; i++ {
		d = d.AddDate(0, 0, step)
		if c.IsTradingDay(d) {
			return d, nil
		}
	}
	return time.Time{}, ErrOutOfRange
}
