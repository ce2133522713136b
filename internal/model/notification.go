package model

import "time"

// NotificationType represents the kind of user notification
type NotificationType string

const (
	NotificationTaskAssigned   NotificationType = "maintenance_task_assigned"
	NotificationUsageThreshold NotificationType = "usage_threshold_reached"
)

// Notification is a message for a single user about a generated task
type Notification struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	UserID         string           `json:"user_id"`
	TaskID         string           `json:"task_id,omitempty"`
	AssetID        string           `json:"asset_id,omitempty"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	SendInApp      bool             `json:"send_in_app"`
	CreatedAt      time.Time        `json:"created_at"`
}
