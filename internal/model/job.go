package model

import (
	"fmt"
	"time"
)

// JobType identifies what a queued schedule job asks the worker to do
type JobType string

const (
	// JobTypeProcessSchedule is dispatched for a dated occurrence
	JobTypeProcessSchedule JobType = "process-schedule"
	// JobTypeGenerateTasks is a manual "generate now" request
	JobTypeGenerateTasks JobType = "generate-tasks"
)

// ScheduleJob is the queue message consumed by the occurrence worker
type ScheduleJob struct {
	Type           JobType   `json:"type"`
	ScheduleID     string    `json:"schedule_id"`
	OrganizationID string    `json:"organization_id"`
	AssetID        string    `json:"asset_id,omitempty"`
	OccurrenceDate time.Time `json:"occurrence_date"`
}

// DedupKey identifies one enqueue of a job for a given fire time. Two
// enqueues of the same occurrence at the same fire time collapse into one.
func (j ScheduleJob) DedupKey(fireAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", j.Type, j.ScheduleID, j.OccurrenceDate.UnixNano(), fireAt.Unix())
}

// OccurrenceRecord is the bookkeeping written once an occurrence is processed
type OccurrenceRecord struct {
	Occurrence     time.Time
	NextOccurrence *time.Time
	NextRunAt      *time.Time
	RunAt          time.Time
}
