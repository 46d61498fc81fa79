package forooshyar

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of the singleton analysis job.
//
//	Idle───►Running───►Completed
//	  ▲        │
//	  │        ├──────►Failed
//	  │        │
//	  │        └──►Cancelling──►Cancelled
//	  │                            │
//	  └────────(acknowledge)───────┘
type JobStatus string

const (
	JobStatusIdle       JobStatus = "idle"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// jobStatusTransitions is the closed set of valid status transitions.
// Terminal statuses only go back to Idle via an explicit acknowledgement.
var jobStatusTransitions = map[JobStatus][]JobStatus{
	JobStatusIdle:       {JobStatusRunning},
	JobStatusRunning:    {JobStatusCancelling, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusIdle},
	JobStatusCancelling: {JobStatusCancelled, JobStatusFailed},
	JobStatusCompleted:  {JobStatusIdle},
	JobStatusFailed:     {JobStatusIdle},
	JobStatusCancelled:  {JobStatusIdle},
}

// CanTransitionTo reports whether moving from s to next is a valid
// transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, v := range jobStatusTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a terminal one, i.e. the job record
// sticks around for status reporting until it is acknowledged and cleared.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// EntityKind identifies a class of analyzable entities.
type EntityKind string

const (
	EntityKindProducts  EntityKind = "products"
	EntityKindCustomers EntityKind = "customers"
)

// JobKind selects which entity classes a job covers.
type JobKind string

const (
	JobKindAll       JobKind = "all"
	JobKindProducts  JobKind = "products"
	JobKindCustomers JobKind = "customers"
)

// EntityKinds returns the entity classes covered by the job kind, in the
// order their queues are drained (one class is fully drained before the
// next begins).
func (k JobKind) EntityKinds() []EntityKind {
	switch k {
	case JobKindProducts:
		return []EntityKind{EntityKindProducts}
	case JobKindCustomers:
		return []EntityKind{EntityKindCustomers}
	default:
		return []EntityKind{EntityKindProducts, EntityKindCustomers}
	}
}

// Valid reports whether k is one of the known job kinds.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindAll, JobKindProducts, JobKindCustomers:
		return true
	}
	return false
}

// maxRecentJobErrors bounds the ring of errors retained on the job record
// for status reporting. Full error detail goes to the logs.
const maxRecentJobErrors = 5

// KindCounters tracks per entity class progress of a job.
type KindCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// JobError is one bounded-ring entry of a failed unit of work.
type JobError struct {
	Kind     EntityKind `json:"kind"`
	EntityID uint       `json:"entity_id"`
	Message  string     `json:"message"`
}

// CurrentItem is the unit of work being processed right now, if any.
type CurrentItem struct {
	Kind      EntityKind `json:"kind"`
	EntityID  uint       `json:"entity_id"`
	StartedAt time.Time  `json:"started_at"`
}

// Description renders the current item for operator-facing progress
// reporting.
func (c *CurrentItem) Description() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("analyzing %s #%d", c.Kind, c.EntityID)
}

// AnalysisJob is the single persisted record driving a batch analysis run.
// It is exclusively owned by the batch engine; every mutation is a
// read-current/merge/write-back of this record keyed by ID.
type AnalysisJob struct {
	ID                  string                       `json:"id"`
	Status              JobStatus                    `json:"status"`
	Kind                JobKind                      `json:"kind"`
	Queues              map[EntityKind][]uint        `json:"queues"`
	Counters            map[EntityKind]*KindCounters `json:"counters"`
	CurrentItem         *CurrentItem                 `json:"current_item,omitempty"`
	RecentErrors        []JobError                   `json:"recent_errors,omitempty"`
	CreatedActionsCount int                          `json:"created_actions_count"`
	StartedAt           time.Time                    `json:"started_at"`
	LastUpdatedAt       time.Time                    `json:"last_updated_at"`
	CompletedAt         *time.Time                   `json:"completed_at,omitempty"`
}

// CountersFor returns the counters for the given kind, creating them if
// needed.
func (j *AnalysisJob) CountersFor(kind EntityKind) *KindCounters {
	if j.Counters == nil {
		j.Counters = make(map[EntityKind]*KindCounters)
	}
	c, ok := j.Counters[kind]
	if !ok {
		c = &KindCounters{}
		j.Counters[kind] = c
	}
	return c
}

// NextPending returns the entity class whose queue is drained next and the
// id at its head. Classes are drained in the order fixed by the job kind,
// never interleaved.
func (j *AnalysisJob) NextPending() (EntityKind, uint, bool) {
	for _, kind := range j.Kind.EntityKinds() {
		if q := j.Queues[kind]; len(q) > 0 {
			return kind, q[0], true
		}
	}
	return "", 0, false
}

// Dequeue pops the head of the given class queue.
func (j *AnalysisJob) Dequeue(kind EntityKind) {
	if q := j.Queues[kind]; len(q) > 0 {
		j.Queues[kind] = q[1:]
	}
}

// QueuesEmpty reports whether all class queues are drained.
func (j *AnalysisJob) QueuesEmpty() bool {
	for _, q := range j.Queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// TotalQueued is the sum of totals across all entity classes.
func (j *AnalysisJob) TotalQueued() int {
	var n int
	for _, c := range j.Counters {
		n += c.Total
	}
	return n
}

// TotalProcessed is the sum of processed counts across all entity classes.
func (j *AnalysisJob) TotalProcessed() int {
	var n int
	for _, c := range j.Counters {
		n += c.Processed
	}
	return n
}

// Percentage is the overall progress in [0, 100]. Returns 0 when nothing
// was queued.
func (j *AnalysisJob) Percentage() float64 {
	total := j.TotalQueued()
	if total == 0 {
		return 0
	}
	return float64(j.TotalProcessed()) / float64(total) * 100
}

// RecordError appends an error to the bounded ring of recent errors,
// evicting the oldest entry when full.
func (j *AnalysisJob) RecordError(kind EntityKind, id uint, msg string) {
	j.RecentErrors = append(j.RecentErrors, JobError{Kind: kind, EntityID: id, Message: msg})
	if len(j.RecentErrors) > maxRecentJobErrors {
		j.RecentErrors = j.RecentErrors[len(j.RecentErrors)-maxRecentJobErrors:]
	}
}

// Stale reports whether a running job has not persisted progress for longer
// than threshold. Staleness is defined purely from the persisted
// LastUpdatedAt plus wall-clock time, not from process liveness.
func (j *AnalysisJob) Stale(now time.Time, threshold time.Duration) bool {
	if j.Status != JobStatusRunning && j.Status != JobStatusCancelling {
		return false
	}
	return now.Sub(j.LastUpdatedAt) > threshold
}

// StartOptions are the caller-supplied options for starting a job.
type StartOptions struct {
	// Limit caps how many entity ids are enqueued per entity class. It is
	// clamped to the configured per-class maximum.
	Limit int `json:"limit"`
}

// JobProgress is the operator-facing snapshot of a job, computed from the
// persisted record. It never contains a raw error value.
type JobProgress struct {
	JobID               string                       `json:"job_id"`
	Status              JobStatus                    `json:"status"`
	Percentage          float64                      `json:"percentage"`
	Counters            map[EntityKind]*KindCounters `json:"counters"`
	CurrentItem         string                       `json:"current_item,omitempty"`
	RecentErrors        []JobError                   `json:"recent_errors,omitempty"`
	CreatedActionsCount int                          `json:"created_actions_count"`
	StartedAt           time.Time                    `json:"started_at"`
	LastUpdatedAt       time.Time                    `json:"last_updated_at"`
}

// RunSummary is persisted once a job reaches a terminal status, as a
// cheap history record for reporting.
type RunSummary struct {
	JobID          string                       `json:"job_id"`
	Status         JobStatus                    `json:"status"`
	Kind           JobKind                      `json:"kind"`
	Counters       map[EntityKind]*KindCounters `json:"counters"`
	CreatedActions int                          `json:"created_actions"`
	StartedAt      time.Time                    `json:"started_at"`
	CompletedAt    time.Time                    `json:"completed_at"`
}
