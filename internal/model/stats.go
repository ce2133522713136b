package model

import "time"

// EngineStats is a point-in-time snapshot of occurrence processing
type EngineStats struct {
	Instance             string    `json:"instance,omitempty"`
	OccurrencesProcessed int64     `json:"occurrences_processed"`
	TasksCreated         int64     `json:"tasks_created"`
	TaskFailures         int64     `json:"task_failures"`
	NotificationFailures int64     `json:"notification_failures"`
	JobsSkipped          int64     `json:"jobs_skipped"`
	JobsDispatched       int64     `json:"jobs_dispatched"`
	PendingOccurrences   int       `json:"pending_occurrences"`
	CPUUsage             float64   `json:"cpu_usage"`
	MemoryUsage          float64   `json:"memory_usage"`
	CollectedAt          time.Time `json:"collected_at"`
}
