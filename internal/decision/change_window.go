package decision

import (
	"fmt"
	"time"

	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
)

// ChangeWindow decides whether autonomous production changes may start now.
// Outside the window, changes for the configured severities are deferred.
type ChangeWindow struct {
	enabled    bool
	loc        *time.Location
	startHour  int
	endHour    int
	days       map[time.Weekday]bool
	severities database.StringList
}

// NewChangeWindow builds a change window from policy
func NewChangeWindow(p config.ChangeWindowPolicy) (*ChangeWindow, error) {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("change window timezone %q: %w", tz, err)
	}

	days := make(map[time.Weekday]bool, len(p.Weekdays))
	for _, name := range p.Weekdays {
		d, ok := config.ParseWeekday(name)
		if !ok {
			return nil, fmt.Errorf("change window weekday %q is not recognised", name)
		}
		days[d] = true
	}

	return &ChangeWindow{
		enabled:    p.Enabled,
		loc:        loc,
		startHour:  p.StartHour,
		endHour:    p.EndHour,
		days:       days,
		severities: database.NewStringList(p.Severities...),
	}, nil
}

// Enabled reports whether the window restricts anything at all
func (c *ChangeWindow) Enabled() bool {
	return c != nil && c.enabled
}

// Applies reports whether issues of this severity are subject to the window
func (c *ChangeWindow) Applies(severity database.Severity) bool {
	if !c.Enabled() {
		return false
	}
	return len(c.severities) == 0 || c.severities.Contains(string(severity))
}

// Open reports whether now falls inside the window. Both boundary hours are
// included, so 9-17 admits 17:59.
func (c *ChangeWindow) Open(now time.Time) bool {
	local := now.In(c.loc)
	if len(c.days) > 0 && !c.days[local.Weekday()] {
		return false
	}
	h := local.Hour()
	if c.startHour <= c.endHour {
		return h >= c.startHour && h <= c.endHour
	}
	// overnight window, e.g. 22-4
	return h >= c.startHour || h <= c.endHour
}

// Allows reports whether an autonomous change for severity may start at now
func (c *ChangeWindow) Allows(severity database.Severity, now time.Time) bool {
	if !c.Applies(severity) {
		return true
	}
	return c.Open(now)
}
