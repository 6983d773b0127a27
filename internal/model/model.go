package model

import (
	"time"
)

// Preparation run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// PreparationRun records one preparer container run
type PreparationRun struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	RepositoryID int        `gorm:"index;not null" json:"repository_id"`
	Kind         string     `gorm:"size:16;not null" json:"kind"` // content, control
	ContainerID  string     `gorm:"index;size:64" json:"container_id"`
	Status       string     `gorm:"size:16;default:running" json:"status"` // running, succeeded, cancelled, failed
	ExitCode     *int       `json:"exit_code"`
	Detail       string     `gorm:"type:text" json:"detail,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

// AuditLog records a user action against the control API
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"size:32;not null" json:"action"` // LAUNCH, UPDATE, DELETE, RETRY, SUBMIT
	Target    string    `gorm:"size:32" json:"target"`
	TargetID  string    `gorm:"size:32" json:"target_id"`
	Detail    string    `gorm:"type:text" json:"detail"`
	IP        string    `gorm:"size:64" json:"ip"`
	CreatedAt time.Time `json:"created_at"`
}

// ============ Request DTOs ============

// RepositoryCreateRequest is the payload for launching a repository
type RepositoryCreateRequest struct {
	DisplayName string `json:"display_name"`
	ContentPath string `json:"content_path" binding:"required"`
	ControlPath string `json:"control_path" binding:"required"`
	Preparer    string `json:"preparer" binding:"required"`
	Template    string `json:"template"`
}

// RepositoryUpdateRequest edits a repository. Nil fields are left unchanged.
type RepositoryUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	ContentPath *string `json:"content_path"`
	ControlPath *string `json:"control_path"`
	Preparer    *string `json:"preparer"`
	Template    *string `json:"template"`
}

// SubmitRequest asks for a re-preparation. An empty kind means both preparers.
type SubmitRequest struct {
	Kind string `json:"kind"` // content, control or empty
}
