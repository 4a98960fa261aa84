package repeat

import (
	"testing"
	"time"

	"relaybot/internal/model"
)

// 2026-08-27 is a Thursday.
var thursday = time.Date(2026, 8, 27, 9, 30, 15, 0, time.Local)

func TestNextOccurrenceDaily(t *testing.T) {
	t.Parallel()
	next, ok := NextOccurrence(thursday, model.RepeatDaily, nil)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := thursday.AddDate(0, 0, 1)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrencePreservesClockTime(t *testing.T) {
	t.Parallel()
	for _, rt := range []model.RepeatType{model.RepeatDaily, model.RepeatWorkday, model.RepeatHoliday, model.RepeatCustom} {
		next, ok := NextOccurrence(thursday, rt, []int{1})
		if !ok {
			t.Fatalf("%s: expected an occurrence", rt)
		}
		h, m, s := next.Clock()
		if h != 9 || m != 30 || s != 15 {
			t.Fatalf("%s: clock time changed: %02d:%02d:%02d", rt, h, m, s)
		}
	}
}

func TestNextOccurrenceWorkday(t *testing.T) {
	t.Parallel()
	// Friday -> Monday.
	friday := thursday.AddDate(0, 0, 1)
	next, ok := NextOccurrence(friday, model.RepeatWorkday, nil)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Weekday() != time.Monday {
		t.Fatalf("next weekday = %v, want Monday", next.Weekday())
	}
	if got := next.Sub(friday); got != 3*24*time.Hour {
		t.Fatalf("gap = %v, want 72h", got)
	}
}

func TestNextOccurrenceHoliday(t *testing.T) {
	t.Parallel()
	next, ok := NextOccurrence(thursday, model.RepeatHoliday, nil)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Weekday() != time.Saturday {
		t.Fatalf("next weekday = %v, want Saturday", next.Weekday())
	}

	// Saturday -> Sunday.
	next2, _ := NextOccurrence(next, model.RepeatHoliday, nil)
	if next2.Weekday() != time.Sunday {
		t.Fatalf("next weekday = %v, want Sunday", next2.Weekday())
	}
}

func TestNextOccurrenceCustom(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		days     []int
		wantDays int
		wantWD   time.Weekday
	}{
		// From Thursday: Monday=1 and Wednesday=3 means next Monday, 4 days out.
		{name: "monday and wednesday", days: []int{1, 3}, wantDays: 4, wantWD: time.Monday},
		// Same weekday only: a full week later.
		{name: "same weekday", days: []int{4}, wantDays: 7, wantWD: time.Thursday},
		// Tomorrow included.
		{name: "friday", days: []int{5}, wantDays: 1, wantWD: time.Friday},
		// Nothing valid in the set: fixed one-week fallback.
		{name: "unmatched set", days: []int{9}, wantDays: 7, wantWD: time.Thursday},
		// Empty set degrades to daily.
		{name: "empty set", days: nil, wantDays: 1, wantWD: time.Friday},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			next, ok := NextOccurrence(thursday, model.RepeatCustom, tt.days)
			if !ok {
				t.Fatal("expected an occurrence")
			}
			want := thursday.AddDate(0, 0, tt.wantDays)
			if !next.Equal(want) {
				t.Fatalf("next = %v, want %v", next, want)
			}
			if next.Weekday() != tt.wantWD {
				t.Fatalf("weekday = %v, want %v", next.Weekday(), tt.wantWD)
			}
		})
	}
}

func TestNextOccurrenceNone(t *testing.T) {
	t.Parallel()
	if _, ok := NextOccurrence(thursday, model.RepeatNone, nil); ok {
		t.Fatal("one-shot tasks must not repeat")
	}
}
