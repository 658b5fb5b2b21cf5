package models

import (
	"time"

	"golang.org/x/oauth2"
)

// PlatformCredential stores a user's OAuth tokens for one publishing platform
type PlatformCredential struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	OwnerID      string    `gorm:"size:64;not null;uniqueIndex:idx_credential_owner_platform" json:"owner_id"`
	Platform     Platform  `gorm:"size:20;not null;uniqueIndex:idx_credential_owner_platform" json:"platform"`
	AccessToken  string    `gorm:"type:text;not null" json:"-"`
	RefreshToken string    `gorm:"type:text" json:"-"`
	TokenType    string    `gorm:"default:'Bearer'" json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired returns true if the token has expired
func (c *PlatformCredential) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Usable reports whether the credential can authenticate a call now, either
// directly or after a refresh
func (c *PlatformCredential) Usable(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return !c.IsExpired(now) || c.RefreshToken != ""
}

// NeedsRefresh returns true if the token expires within 5 minutes
func (c *PlatformCredential) NeedsRefresh(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.Add(5*time.Minute).After(c.ExpiresAt)
}

// ToOAuth2Token converts to golang.org/x/oauth2.Token
func (c *PlatformCredential) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.ExpiresAt,
	}
}

// FromOAuth2Token updates from golang.org/x/oauth2.Token
func (c *PlatformCredential) FromOAuth2Token(token *oauth2.Token) {
	c.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.RefreshToken = token.RefreshToken
	}
	c.TokenType = token.TokenType
	c.ExpiresAt = token.Expiry
}
