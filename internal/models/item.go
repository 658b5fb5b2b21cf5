package models

import (
	"math"
	"time"
)

// Item is one ingested unit of content from a Source
type Item struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SourceID     uint      `gorm:"index;not null" json:"source_id"`
	Platform     Platform  `gorm:"size:20;not null;uniqueIndex:idx_item_platform_external" json:"platform"`
	ExternalID   string    `gorm:"size:255;not null;uniqueIndex:idx_item_platform_external" json:"external_id"`
	Title        string    `gorm:"size:500" json:"title"`
	Content      string    `gorm:"type:text" json:"content"`
	URL          string    `gorm:"size:1000" json:"url"`
	Author       string    `gorm:"size:255" json:"author"`
	Likes        int       `json:"likes"`
	Comments     int       `json:"comments"`
	Shares       int       `json:"shares"`
	PostedAt     time.Time `gorm:"index" json:"posted_at"`
	QualityScore float64   `json:"quality_score"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RawItem is an Item as returned by a scraper, before it is keyed to a Source
type RawItem struct {
	ExternalID string
	Title      string
	Content    string
	URL        string
	Author     string
	Likes      int
	Comments   int
	Shares     int
	PostedAt   time.Time
}

// QualityScore derives a 0-100 score from engagement counts. Comments and
// shares weigh more than likes; the log keeps viral outliers from saturating.
func QualityScore(likes, comments, shares int) float64 {
	engagement := float64(max(likes, 0)) + 2*float64(max(comments, 0)) + 3*float64(max(shares, 0))
	score := 20 * math.Log10(1+engagement)
	if score > 100 {
		return 100
	}
	return math.Round(score*100) / 100
}

// ToItem keys a raw item to its source and computes the derived score
func (r *RawItem) ToItem(sourceID uint, platform Platform) *Item {
	posted := r.PostedAt
	if posted.IsZero() {
		posted = time.Now().UTC()
	}
	return &Item{
		SourceID:     sourceID,
		Platform:     platform,
		ExternalID:   r.ExternalID,
		Title:        r.Title,
		Content:      r.Content,
		URL:          r.URL,
		Author:       r.Author,
		Likes:        r.Likes,
		Comments:     r.Comments,
		Shares:       r.Shares,
		PostedAt:     posted,
		QualityScore: QualityScore(r.Likes, r.Comments, r.Shares),
	}
}
