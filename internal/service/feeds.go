package service

import (
	"context"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
)

// FeedRequest pages through alerts or cards. GroupID narrows the owner's
// sources to one group.
type FeedRequest struct {
	GroupID string `query:"group_id" validate:"omitempty,max=64"`
	Limit   int    `query:"limit" validate:"min=0,max=500"`
	Offset  int    `query:"offset" validate:"min=0"`
}

func (s *Service) feedFilter(ownerID string, req FeedRequest) (storage.FeedFilter, error) {
	if err := requireOwner(ownerID); err != nil {
		return storage.FeedFilter{}, err
	}
	if err := s.check(req); err != nil {
		return storage.FeedFilter{}, err
	}
	filter := storage.DefaultFeedFilter()
	filter.OwnerID = ownerID
	filter.GroupID = req.GroupID
	if req.Limit > 0 {
		filter.Limit = req.Limit
	}
	filter.Offset = req.Offset
	return filter, nil
}

// ListAlerts returns alerts on the owner's sources, most recent first
func (s *Service) ListAlerts(ctx context.Context, ownerID string, req FeedRequest) ([]*models.Alert, error) {
	filter, err := s.feedFilter(ownerID, req)
	if err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, filter)
}

// ListCards returns strategy cards from the owner's sources, most recent
// first
func (s *Service) ListCards(ctx context.Context, ownerID string, req FeedRequest) ([]*models.StrategyCard, error) {
	filter, err := s.feedFilter(ownerID, req)
	if err != nil {
		return nil, err
	}
	return s.store.ListCards(ctx, filter)
}
