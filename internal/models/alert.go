package models

import "time"

// MetricItemsPerWindow counts a Source's items posted inside a window
const MetricItemsPerWindow = "items_per_window"

// Alert is a detected activity spike. Alerts are append-only.
type Alert struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SourceID      uint      `gorm:"not null;uniqueIndex:idx_alert_source_bucket" json:"source_id"`
	Metric        string    `gorm:"size:50;not null;uniqueIndex:idx_alert_source_bucket" json:"metric"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `gorm:"not null" json:"window_end"`
	// Bucket is the alignment period the check ran in; one alert per bucket
	Bucket        time.Time `gorm:"not null;uniqueIndex:idx_alert_source_bucket" json:"bucket"`
	CurrentValue  float64   `json:"current_value"`
	PreviousValue float64   `json:"previous_value"`
	Factor        float64   `json:"factor"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// StrategyCard is a tactic derived from one Item
type StrategyCard struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	ItemID     uint        `gorm:"uniqueIndex;not null" json:"item_id"`
	SourceID   uint        `gorm:"index;not null" json:"source_id"`
	Platforms  StringSlice `gorm:"type:json" json:"platforms"`
	Niche      string      `gorm:"size:100" json:"niche"`
	Tactic     string      `gorm:"type:text" json:"tactic"`
	Confidence float64     `json:"confidence"`
	CreatedAt  time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

// ClampConfidence bounds a model-reported confidence into [0,1]
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
