package risk

import (
	"fmt"
	"time"

	"github.com/ksred/klear-exec/internal/config"
)

// Window is a daily wall-clock interval in a fixed location. Close before
// Open means the window wraps past midnight.
type Window struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// ParseWindow parses "HH:MM" bounds; an empty timezone means UTC.
func ParseWindow(openAt, closeAt, timezone string) (Window, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Window{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}
	o, err := parseClock(openAt)
	if err != nil {
		return Window{}, err
	}
	c, err := parseClock(closeAt)
	if err != nil {
		return Window{}, err
	}
	return Window{Location: loc, Open: o, Close: c}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether now falls inside [Open, Close).
func (w Window) Contains(now time.Time) bool {
	local := now.In(w.Location)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if w.Open <= w.Close {
		return offset >= w.Open && offset < w.Close
	}
	return offset >= w.Open || offset < w.Close
}

// MarketHours decides whether new orders may be sent at a given instant.
type MarketHours struct {
	Enabled       bool
	Regular       Window
	Extended      Window
	ExtendedHours bool
	TradeWeekends bool
}

func NewMarketHours(cfg config.MarketHoursConfig) (*MarketHours, error) {
	mh := &MarketHours{Enabled: cfg.Enabled, ExtendedHours: cfg.ExtendedHours, TradeWeekends: cfg.TradeWeekends}
	if !cfg.Enabled {
		return mh, nil
	}
	regular, err := ParseWindow(cfg.Open, cfg.Close, cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market hours: %w", err)
	}
	mh.Regular = regular
	if cfg.ExtendedHours {
		extended, err := ParseWindow(cfg.ExtendedOpen, cfg.ExtendedClose, cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("extended hours: %w", err)
		}
		mh.Extended = extended
	}
	return mh, nil
}

func (m *MarketHours) IsOpen(now time.Time) bool {
	if m == nil || !m.Enabled {
		return true
	}
	if !m.TradeWeekends {
		switch now.In(m.Regular.Location).Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	if m.Regular.Contains(now) {
		return true
	}
	return m.ExtendedHours && m.Extended.Contains(now)
}
