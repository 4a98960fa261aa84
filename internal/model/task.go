package model

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type RepeatType string

const (
	RepeatNone    RepeatType = "none"
	RepeatDaily   RepeatType = "daily"
	RepeatWorkday RepeatType = "workday"
	RepeatHoliday RepeatType = "holiday"
	RepeatCustom  RepeatType = "custom"
)

// Task is a durable record describing a one-time or recurring message to send
// at a given time. Timestamps are kept as the strings the API supplied so a
// task round-trips through the store byte-identical; SendTimeValue parses on
// demand.
type Task struct {
	ID             string     `json:"id"`
	Recipient      string     `json:"recipient"`
	SendTime       string     `json:"sendTime"`
	MessageContent string     `json:"messageContent"`
	Status         TaskStatus `json:"status"`
	RepeatType     RepeatType `json:"repeatType"`
	RepeatDays     []int      `json:"repeatDays,omitempty"`
	CreatedAt      string     `json:"createdAt"`
	UpdatedAt      string     `json:"updatedAt"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}

// sendTimeLayouts are tried in order. A trailing "Z", an explicit offset, or
// no timezone at all are all accepted; naive strings are interpreted in the
// local zone, which mirrors how "now" is compared against them.
var sendTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseSendTime parses a task timestamp. hasZone reports whether the string
// carried an explicit zone (offset or Z); naive values come back in time.Local.
func ParseSendTime(s string) (t time.Time, hasZone bool, err error) {
	s = strings.TrimSpace(s)
	for i, layout := range sendTimeLayouts {
		var parsed time.Time
		if i < 2 {
			parsed, err = time.Parse(layout, s)
		} else {
			parsed, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return parsed, i < 2, nil
		}
	}
	return time.Time{}, false, err
}

// FormatSendTime renders a computed occurrence in the same shape the source
// string used, so repeated tasks keep their zone-awareness (or lack of it).
func FormatSendTime(t time.Time, hasZone bool) string {
	if hasZone {
		return t.Format(time.RFC3339)
	}
	return t.Format("2006-01-02T15:04:05")
}

func (t Task) Due(now time.Time) (bool, error) {
	st, _, err := ParseSendTime(t.SendTime)
	if err != nil {
		return false, err
	}
	// Sub-second precision is intentionally ignored.
	return !now.Truncate(time.Second).Before(st.Truncate(time.Second)), nil
}

func ValidRepeatType(rt RepeatType) bool {
	switch rt {
	case RepeatNone, RepeatDaily, RepeatWorkday, RepeatHoliday, RepeatCustom:
		return true
	}
	return false
}
