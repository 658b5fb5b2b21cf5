package models

import (
	"time"

	"gorm.io/gorm"
)

// SourceKind describes what a Source monitors
type SourceKind string

const (
	SourceKindProfile   SourceKind = "profile"
	SourceKindSubreddit SourceKind = "subreddit"
	SourceKindKeyword   SourceKind = "keyword"
)

// ParseSourceKind converts a raw string to a SourceKind
func ParseSourceKind(s string) (SourceKind, bool) {
	k := SourceKind(s)
	switch k {
	case SourceKindProfile, SourceKindSubreddit, SourceKindKeyword:
		return k, true
	}
	return "", false
}

// Source is a monitored origin of external signal
type Source struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	OwnerID          string         `gorm:"size:64;index;not null" json:"owner_id"`
	GroupID          string         `gorm:"size:64;index" json:"group_id,omitempty"`
	Platform         Platform       `gorm:"size:20;not null" json:"platform"`
	Kind             SourceKind     `gorm:"size:20;not null" json:"kind"`
	Value            string         `gorm:"size:500;not null" json:"value"`
	ScopeFilter      string         `gorm:"size:255" json:"scope_filter,omitempty"`
	Enabled          bool           `gorm:"default:true;index" json:"enabled"`
	PollInterval     string         `gorm:"size:20" json:"poll_interval,omitempty"` // empty uses the configured default
	LastPolledAt     *time.Time     `json:"last_polled_at"`
	LastSpikeCheckAt *time.Time     `json:"last_spike_check_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// Interval returns the poll interval, falling back to def when unset or invalid
func (s *Source) Interval(def time.Duration) time.Duration {
	if s.PollInterval == "" {
		return def
	}
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsDue reports whether the source should be polled at now
func (s *Source) IsDue(now time.Time, def time.Duration) bool {
	if !s.Enabled {
		return false
	}
	if s.LastPolledAt == nil {
		return true
	}
	return !s.LastPolledAt.After(now.Add(-s.Interval(def)))
}
