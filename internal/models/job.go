package models

import (
	"time"
)

// JobStatus represents the current lifecycle state of a content job
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusGenerating  JobStatus = "generating"
	JobStatusNeedsReview JobStatus = "needs_review"
	JobStatusScheduled   JobStatus = "scheduled"
	JobStatusPosting     JobStatus = "posting"
	JobStatusPosted      JobStatus = "posted"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCanceled    JobStatus = "canceled"
	JobStatusNeedsReauth JobStatus = "needs_reauth"
)

// AllJobStatuses lists every status in lifecycle order
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusGenerating,
	JobStatusNeedsReview,
	JobStatusScheduled,
	JobStatusPosting,
	JobStatusPosted,
	JobStatusFailed,
	JobStatusCanceled,
	JobStatusNeedsReauth,
}

// Job is one content unit moving through generate, review and publish
type Job struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	OwnerID         string      `gorm:"size:64;index;not null" json:"owner_id"`
	GroupID         string      `gorm:"size:64;index" json:"group_id,omitempty"`
	Platform        Platform    `gorm:"size:20;not null" json:"platform"`
	MediaURL        string      `gorm:"size:1000" json:"media_url"`
	Context         string      `gorm:"type:text" json:"context"`
	AITitle         *string     `gorm:"size:500" json:"ai_title"`
	AIHook          *string     `gorm:"type:text" json:"ai_hook"`
	AIHashtags      StringSlice `gorm:"type:json" json:"ai_hashtags"`
	Caption         string      `gorm:"type:text" json:"caption"`
	Hashtags        StringSlice `gorm:"type:json" json:"hashtags"`
	ScheduledAt     *time.Time  `gorm:"index:idx_job_status_scheduled,priority:2" json:"scheduled_at"`
	Status          JobStatus   `gorm:"size:20;not null;default:'queued';index:idx_job_status_scheduled,priority:1" json:"status"`
	ErrorMessage    *string     `gorm:"type:text" json:"error_message"`
	PendingTaskID   string      `gorm:"size:64" json:"pending_task_id,omitempty"`
	PendingSince    *time.Time  `json:"pending_since,omitempty"`
	ExternalPostID  string      `gorm:"size:255" json:"external_post_id,omitempty"`
	PostedAt        *time.Time  `json:"posted_at"`
	PublishAttempt  *time.Time  `json:"publish_attempt,omitempty"`
	ResubmittedFrom *uint       `json:"resubmitted_from,omitempty"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishText assembles the approved caption and hashtags into post text
func (j *Job) PublishText() string {
	text := j.Caption
	if len(j.Hashtags) > 0 {
		if text != "" {
			text += "\n\n"
		}
		for i, tag := range j.Hashtags {
			if i > 0 {
				text += " "
			}
			if tag != "" && tag[0] != '#' {
				text += "#"
			}
			text += tag
		}
	}
	return text
}
