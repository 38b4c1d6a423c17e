package models

import (
	"fmt"
	"strings"
)

// Priority selects the admission band of a task. Lower values are drained first.
type Priority int

const (
	PriorityHigh   Priority = iota // Drained before everything else
	PriorityNormal                 // Default band
	PriorityLow                    // Drained only when the other bands are empty
)

// PriorityBands is the number of admission bands.
const PriorityBands = 3

// String implements fmt.Stringer for logging
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// IsValid returns true if the priority maps to one of the bands
func (p Priority) IsValid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority accepts "high", "normal" or "low" (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// TaskState is a step of the task lifecycle: queued -> admitted -> executing -> settled.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"    // Waiting in the admission queue
	TaskStateAdmitted  TaskState = "admitted"  // Holds a concurrency slot
	TaskStateExecuting TaskState = "executing" // Attempt chain running
	TaskStateSettled   TaskState = "settled"   // Result delivered
)

// String implements fmt.Stringer for logging
func (s TaskState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Any non-settled state may settle directly (cache hit, shutdown, acquisition failure).
func (s TaskState) CanTransition(next TaskState) bool {
	if next == TaskStateSettled {
		return s != TaskStateSettled
	}
	switch s {
	case "":
		return next == TaskStateQueued
	case TaskStateQueued:
		return next == TaskStateAdmitted
	case TaskStateAdmitted:
		return next == TaskStateExecuting
	}
	return false
}

// ResultStatus is the outcome class of a settled task
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"  // Live fetch or cache hit
	ResultDegraded ResultStatus = "degraded" // Served by a fallback tier
	ResultFailed   ResultStatus = "failed"   // Typed terminal failure
)

// String implements fmt.Stringer for logging
func (s ResultStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known outcome
func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultSuccess, ResultDegraded, ResultFailed:
		return true
	}
	return false
}

// Source records where a document came from
type Source string

const (
	SourceLive    Source = "live"
	SourceCache   Source = "cache"
	SourceArchive Source = "archive"
)
