package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type JobKind string

const (
	JobKindExtension JobKind = "extension"
	JobKindModel     JobKind = "model"
)

func (k JobKind) Valid() bool {
	return k == JobKindExtension || k == JobKindModel
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Active reports whether a job in state s still occupies its target.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusSucceeded, JobStatusFailed:
		return 2
	}
	return -1
}

// CanTransition enforces queued -> running -> {succeeded, failed}. A queued job may also
// fail directly (e.g. rejected before it ever ran).
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

type CatalogOrigin string

const (
	CatalogOriginEngine   CatalogOrigin = "engine"
	CatalogOriginLocalJob CatalogOrigin = "local_job"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

// ==================== ENTITIES ====================

// InstallJobRecord is the persisted row for an InstallJob.
type InstallJobRecord struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Kind       JobKind    `gorm:"size:20;not null;index:idx_install_jobs_target" json:"kind"`
	Source     string     `gorm:"type:text;not null;index:idx_install_jobs_target" json:"source"`
	Target     JSONB      `gorm:"type:jsonb" json:"target"`
	Status     JobStatus  `gorm:"size:20;not null;default:'queued'" json:"status"`
	Progress   *int       `json:"progress,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (InstallJobRecord) TableName() string {
	return "install_jobs"
}
