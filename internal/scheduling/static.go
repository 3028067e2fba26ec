package scheduling

import (
	"context"
	"fmt"
	"time"
)

// StaticSource produces synthetic business-hours slots: weekdays,
// mornings 9-11h and afternoons 14-17h, within a rolling window.
// Used when no Calendly token is configured, or as a fallback when
// the Calendly API is unreachable.
type StaticSource struct {
	windowDays int
	maxSlots   int
	loc        *time.Location
	now        func() time.Time // injectable for tests
}

// NewStaticSource builds a synthetic slot source. windowDays and
// maxSlots fall back to 7 and 10 when zero.
func NewStaticSource(windowDays, maxSlots int, loc *time.Location) *StaticSource {
	if windowDays <= 0 {
		windowDays = 7
	}
	if maxSlots <= 0 {
		maxSlots = 10
	}
	if loc == nil {
		loc = time.Local
	}
	return &StaticSource{windowDays: windowDays, maxSlots: maxSlots, loc: loc, now: time.Now}
}

var slotHours = []int{9, 10, 11, 14, 15, 16, 17}

// AvailableSlots never fails; it generates slots locally.
func (s *StaticSource) AvailableSlots(_ context.Context) ([]string, error) {
	now := s.now().In(s.loc)
	var slots []string

	for day := 0; day <= s.windowDays && len(slots) < s.maxSlots; day++ {
		date := now.AddDate(0, 0, day)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, hour := range slotHours {
			slot := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, s.loc)
			if !slot.After(now) {
				continue
			}
			slots = append(slots, formatSlot(slot))
			if len(slots) >= s.maxSlots {
				break
			}
		}
	}
	return slots, nil
}

func formatSlot(t time.Time) string {
	return fmt.Sprintf("%s %02d/%02d %02d:%02d", weekdayShort(t.Weekday()), t.Day(), int(t.Month()), t.Hour(), t.Minute())
}

func weekdayShort(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "Mon"
	case time.Tuesday:
		return "Tue"
	case time.Wednesday:
		return "Wed"
	case time.Thursday:
		return "Thu"
	case time.Friday:
		return "Fri"
	case time.Saturday:
		return "Sat"
	default:
		return "Sun"
	}
}
