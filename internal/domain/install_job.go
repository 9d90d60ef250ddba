package domain

import (
	"time"
)

// InstallTarget describes what an install job installs. Source is the identity used for
// deduplication: a package name or repository URL for extensions, a download URL for models.
type InstallTarget struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
	Folder string `json:"folder,omitempty"`
}

// InstallJob is one in-flight or completed installation.
type InstallJob struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Target     InstallTarget `json:"target"`
	Status     JobStatus     `json:"status"`
	Progress   *int          `json:"progress"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// Key identifies the target slot a job occupies while active.
func (j *InstallJob) Key() JobKey {
	return JobKey{Kind: j.Kind, Source: j.Target.Source}
}

// Clone returns a deep copy safe to hand to readers.
func (j *InstallJob) Clone() *InstallJob {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

type JobKey struct {
	Kind   JobKind
	Source string
}

// ToRecord converts a job into its persisted form.
func (j *InstallJob) ToRecord() *InstallJobRecord {
	return &InstallJobRecord{
		ID:        j.ID,
		CreatedAt: j.CreatedAt,
		Kind:      j.Kind,
		Source:    j.Target.Source,
		Target: JSONB{
			"source": j.Target.Source,
			"name":   j.Target.Name,
			"folder": j.Target.Folder,
		},
		Status:     j.Status,
		Progress:   j.Progress,
		Error:      j.Error,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// ToJob converts a persisted record back into a job.
func (r *InstallJobRecord) ToJob() *InstallJob {
	target := InstallTarget{Source: r.Source}
	if v, ok := r.Target["name"].(string); ok {
		target.Name = v
	}
	if v, ok := r.Target["folder"].(string); ok {
		target.Folder = v
	}
	return &InstallJob{
		ID:         r.ID,
		Kind:       r.Kind,
		Target:     target,
		Status:     r.Status,
		Progress:   r.Progress,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
