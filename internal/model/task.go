package model

import "time"

// Priority orders scheduled work. P0 is the highest priority.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// priorityRank maps priority strings to numeric ranks for comparison.
// Lower rank means higher priority (P0 is highest).
var priorityRank = map[Priority]int{
	PriorityP0: 0,
	PriorityP1: 1,
	PriorityP2: 2,
	PriorityP3: 3,
}

// Rank returns the numeric rank for a priority. Unrecognized priorities sort
// after P3.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Task is one unit of scheduled work: dispatch one handler for one entity.
type Task struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Handler    string    `json:"handler"`
	Priority   Priority  `json:"priority"`
	NotBefore  time.Time `json:"not_before"`
	DedupeKey  string    `json:"dedupe_key"`
	DocumentID string    `json:"document_id,omitempty"`
	SourceRef  string    `json:"source_ref,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FailedTask is a task that exhausted its retry budget. Kept for post-mortem
// queries and surfaced to the investigation engine as a potential anomaly.
type FailedTask struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Handler   string    `json:"handler"`
	DedupeKey string    `json:"dedupe_key"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
