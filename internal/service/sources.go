package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/pkg/failure"
)

// CreateSourceRequest describes a source to monitor
type CreateSourceRequest struct {
	GroupID      string `json:"group_id" validate:"omitempty,max=64"`
	Platform     string `json:"platform" validate:"required,oneof=reddit rss"`
	Kind         string `json:"kind" validate:"required,oneof=profile subreddit keyword"`
	Value        string `json:"value" validate:"required,max=500"`
	ScopeFilter  string `json:"scope_filter" validate:"omitempty,max=255"`
	PollInterval string `json:"poll_interval" validate:"omitempty,duration"`
}

// CreateSource stores a new enabled source
func (s *Service) CreateSource(ctx context.Context, ownerID string, req CreateSourceRequest) (*models.Source, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	platform := models.Platform(req.Platform)
	kind, _ := models.ParseSourceKind(req.Kind)
	if s.sources != nil && !s.sources.Supports(platform, kind) {
		return nil, failure.Validationf("%s sources of kind %s are not supported", platform, kind)
	}
	value := strings.TrimSpace(req.Value)
	if platform == models.PlatformReddit && kind == models.SourceKindSubreddit {
		value = strings.TrimPrefix(value, "r/")
	}
	if value == "" {
		return nil, failure.Validationf("value is required")
	}

	src := &models.Source{
		OwnerID:      ownerID,
		GroupID:      req.GroupID,
		Platform:     platform,
		Kind:         kind,
		Value:        value,
		ScopeFilter:  strings.TrimSpace(req.ScopeFilter),
		Enabled:      true,
		PollInterval: req.PollInterval,
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	s.log.Info().
		Uint("source_id", src.ID).
		Str("platform", string(platform)).
		Str("kind", string(kind)).
		Msg("Source created")
	return src, nil
}

// ListSources returns the owner's sources, optionally within a group
func (s *Service) ListSources(ctx context.Context, ownerID, groupID string) ([]*models.Source, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.store.ListSources(ctx, storage.SourceFilter{OwnerID: ownerID, GroupID: groupID})
}

// SetSourceEnabled enables or disables one of the owner's sources. A
// disabled source keeps its items and alerts.
func (s *Service) SetSourceEnabled(ctx context.Context, ownerID string, id uint, enabled bool) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	if err := s.store.SetSourceEnabled(ctx, ownerID, id, enabled); err != nil {
		return err
	}
	s.log.Info().Uint("source_id", id).Bool("enabled", enabled).Msg("Source updated")
	return nil
}

// DeleteSource soft-deletes one of the owner's sources
func (s *Service) DeleteSource(ctx context.Context, ownerID string, id uint) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	if err := s.store.DeleteSource(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.Info().Uint("source_id", id).Msg("Source deleted")
	return nil
}

// SaveCredentialRequest carries tokens obtained outside the OAuth flow
type SaveCredentialRequest struct {
	Platform     string    `json:"platform" validate:"required,oneof=linkedin"`
	AccessToken  string    `json:"access_token" validate:"required"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" validate:"required"`
}

// SaveCredential upserts the owner's credential for a platform
func (s *Service) SaveCredential(ctx context.Context, ownerID string, req SaveCredentialRequest) (*models.PlatformCredential, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	cred := &models.PlatformCredential{
		OwnerID:      ownerID,
		Platform:     models.Platform(req.Platform),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    req.ExpiresAt.UTC(),
	}
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	s.log.Info().Str("owner_id", ownerID).Str("platform", req.Platform).Msg("Credential saved")
	return cred, nil
}

// CredentialStatus is what the owner may see about a stored credential
type CredentialStatus struct {
	Platform    models.Platform `json:"platform"`
	Connected   bool            `json:"connected"`
	Usable      bool            `json:"usable"`
	Refreshable bool            `json:"refreshable"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// GetCredentialStatus reports whether the owner can publish to platform
func (s *Service) GetCredentialStatus(ctx context.Context, ownerID string, platform models.Platform) (*CredentialStatus, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	status := &CredentialStatus{Platform: platform}
	cred, err := s.store.GetCredential(ctx, ownerID, platform)
	if errors.Is(err, storage.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Connected = true
	status.Usable = cred.Usable(s.now())
	status.Refreshable = cred.RefreshToken != ""
	if !cred.ExpiresAt.IsZero() {
		at := cred.ExpiresAt
		status.ExpiresAt = &at
	}
	return status, nil
}
