// Package repeat computes the next occurrence of a recurring task. Pure date
// arithmetic; no clock reads, no side effects.
package repeat

import (
	"slices"
	"time"

	"relaybot/internal/model"
)

// NextOccurrence returns the send time of the task that should follow one
// executed at orig. The clock time (hour/minute/second) of the original is
// always preserved; only the date moves.
//
// Weekday indices in days use Sunday=0..Saturday=6 and matter only for
// RepeatCustom. A custom rule whose set matches nothing within the next seven
// days falls back to exactly +7 days; an empty or missing set degrades to
// +1 day. ok is false only for RepeatNone.
func NextOccurrence(orig time.Time, rt model.RepeatType, days []int) (next time.Time, ok bool) {
	switch rt {
	case model.RepeatDaily:
		return orig.AddDate(0, 0, 1), true

	case model.RepeatWorkday:
		d := orig
		for {
			d = d.AddDate(0, 0, 1)
			if wd := d.Weekday(); wd >= time.Monday && wd <= time.Friday {
				return d, true
			}
		}

	case model.RepeatHoliday:
		d := orig
		for {
			d = d.AddDate(0, 0, 1)
			if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
				return d, true
			}
		}

	case model.RepeatCustom:
		if len(days) == 0 {
			return orig.AddDate(0, 0, 1), true
		}
		for i := 1; i <= 7; i++ {
			cand := orig.AddDate(0, 0, i)
			if slices.Contains(days, int(cand.Weekday())) {
				return cand, true
			}
		}
		return orig.AddDate(0, 0, 7), true

	default:
		return time.Time{}, false
	}
}
