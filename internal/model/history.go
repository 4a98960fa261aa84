package model

import "time"

type HistoryStatus string

const (
	HistoryReplied    HistoryStatus = "replied"
	HistoryNotReplied HistoryStatus = "not_replied"
	HistoryBlocked    HistoryStatus = "blocked"
	HistoryPending    HistoryStatus = "pending"
	HistoryFailed     HistoryStatus = "failed"
)

// MessageHistory is the append-only audit record written once per processed
// inbound message, whatever the outcome.
type MessageHistory struct {
	ID           string        `json:"id"`
	Sender       string        `json:"sender"`
	Message      string        `json:"message"`
	Reply        string        `json:"reply"`
	Status       HistoryStatus `json:"status"`
	ResponseTime float64       `json:"responseTime"` // seconds
	Timestamp    time.Time     `json:"timestamp"`
}
