// Package gormstore implements storage.Store on gorm, backed by SQLite for
// single-node deployments and PostgreSQL for shared ones.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
)

// Config selects the database driver
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// Store implements storage.Store using gorm
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New opens the configured database
func New(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	memory := false

	switch cfg.Driver {
	case "", "sqlite":
		memory = cfg.DSN == ":memory:" || strings.Contains(cfg.DSN, "mode=memory")
		if !memory {
			// Ensure directory exists
			dir := filepath.Dir(cfg.DSN)
			if dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create data directory: %w", err)
				}
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every connection to :memory: is a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&models.Source{},
		&models.Item{},
		&models.Job{},
		&models.Alert{},
		&models.StrategyCard{},
		&models.PlatformCredential{},
	)
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

func paginate(q *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

// Source operations

func (s *Store) CreateSource(ctx context.Context, source *models.Source) error {
	return s.db.WithContext(ctx).Create(source).Error
}

func (s *Store) GetSource(ctx context.Context, id uint) (*models.Source, error) {
	var source models.Source
	if err := s.db.WithContext(ctx).First(&source, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &source, nil
}

func (s *Store) ListSources(ctx context.Context, filter storage.SourceFilter) ([]*models.Source, error) {
	var sources []*models.Source
	query := s.db.WithContext(ctx).Model(&models.Source{})

	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.GroupID != "" {
		query = query.Where("group_id = ?", filter.GroupID)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}

	query = paginate(query.Order("created_at DESC").Order("id DESC"), filter.Limit, filter.Offset)
	if err := query.Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) SetSourceEnabled(ctx context.Context, ownerID string, id uint, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.Source{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// same value is not a change on every driver; confirm existence
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Source{}).
			Where("id = ? AND owner_id = ?", id, ownerID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (s *Store) DeleteSource(ctx context.Context, ownerID string, id uint) error {
	res := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Delete(&models.Source{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListEnabledSources(ctx context.Context) ([]*models.Source, error) {
	var sources []*models.Source
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id ASC").
		Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) ClaimSourcePoll(ctx context.Context, id uint, dueBefore, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Source{}).
		Where("id = ? AND enabled = ?", id, true).
		Where("last_polled_at IS NULL OR last_polled_at <= ?", dueBefore).
		Updates(map[string]interface{}{
			"last_polled_at": now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListSourcesWithNewItems(ctx context.Context) ([]*models.Source, error) {
	var sources []*models.Source
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where(`EXISTS (
			SELECT 1 FROM items
			WHERE items.source_id = sources.id
			  AND (sources.last_spike_check_at IS NULL OR items.created_at > sources.last_spike_check_at)
		)`).
		Order("id ASC").
		Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) MarkSpikeChecked(ctx context.Context, id uint, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Source{}).
		Where("id = ?", id).
		Update("last_spike_check_at", now).Error
}

// Item operations

func (s *Store) UpsertItem(ctx context.Context, item *models.Item) (bool, error) {
	db := s.db.WithContext(ctx)

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Already ingested: refresh content and engagement in place
	if err := db.Model(&models.Item{}).
		Where("platform = ? AND external_id = ?", item.Platform, item.ExternalID).
		Updates(map[string]interface{}{
			"title":         item.Title,
			"content":       item.Content,
			"url":           item.URL,
			"likes":         item.Likes,
			"comments":      item.Comments,
			"shares":        item.Shares,
			"quality_score": item.QualityScore,
			"updated_at":    s.now(),
		}).Error; err != nil {
		return false, err
	}

	var existing models.Item
	if err := db.Where("platform = ? AND external_id = ?", item.Platform, item.ExternalID).
		First(&existing).Error; err != nil {
		return false, notFound(err)
	}
	*item = existing
	return false, nil
}

func (s *Store) GetItem(ctx context.Context, id uint) (*models.Item, error) {
	var item models.Item
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, filter storage.ItemFilter) ([]*models.Item, error) {
	var items []*models.Item
	query := s.db.WithContext(ctx).Model(&models.Item{})
	if filter.SourceID != 0 {
		query = query.Where("source_id = ?", filter.SourceID)
	}
	query = paginate(query.Order("posted_at DESC"), filter.Limit, filter.Offset)
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountItems(ctx context.Context, sourceID uint, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Item{}).
		Where("source_id = ? AND posted_at >= ? AND posted_at < ?", sourceID, from, to).
		Count(&count).Error
	return count, err
}

// Job operations

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJob(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

var jobOrderColumns = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"scheduled_at": true,
	"id":           true,
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*models.Job, error) {
	var jobs []*models.Job
	query := s.db.WithContext(ctx).Model(&models.Job{})

	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	orderCol := "created_at"
	if jobOrderColumns[filter.OrderBy] {
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC").Order("id DESC")
	} else {
		query = query.Order(orderCol + " ASC").Order("id ASC")
	}

	query = paginate(query, filter.Limit, filter.Offset)
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func jobUpdateColumns(upd storage.JobUpdate, now time.Time) map[string]interface{} {
	cols := map[string]interface{}{
		"status":     upd.Status,
		"updated_at": now,
	}
	if upd.AITitle != nil {
		cols["ai_title"] = *upd.AITitle
	}
	if upd.AIHook != nil {
		cols["ai_hook"] = *upd.AIHook
	}
	if upd.AIHashtags != nil {
		cols["ai_hashtags"] = upd.AIHashtags
	}
	if upd.Caption != nil {
		cols["caption"] = *upd.Caption
	}
	if upd.Hashtags != nil {
		cols["hashtags"] = upd.Hashtags
	}
	if upd.ScheduledAt != nil {
		cols["scheduled_at"] = upd.ScheduledAt.UTC()
	}
	if upd.ErrorMessage != nil {
		cols["error_message"] = *upd.ErrorMessage
	}
	if upd.ExternalPostID != nil {
		cols["external_post_id"] = *upd.ExternalPostID
	}
	if upd.PostedAt != nil {
		cols["posted_at"] = upd.PostedAt.UTC()
	}
	if upd.PublishAttempt != nil {
		cols["publish_attempt"] = upd.PublishAttempt.UTC()
	}
	if upd.PendingTaskID != nil {
		cols["pending_task_id"] = *upd.PendingTaskID
		cols["pending_since"] = now
	}
	if upd.ClearPending {
		cols["pending_task_id"] = ""
		cols["pending_since"] = nil
	}
	return cols
}

func (s *Store) UpdateJobIfStatus(ctx context.Context, id uint, expected models.JobStatus, upd storage.JobUpdate) error {
	if upd.Status == "" {
		return fmt.Errorf("job update without target status")
	}

	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(jobUpdateColumns(upd, s.now()))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return storage.ErrPreconditionFailed
}

func (s *Store) SetPublishAttempt(ctx context.Context, id uint, taskID string, at *time.Time) error {
	var value interface{}
	if at != nil {
		value = at.UTC()
	}
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND pending_task_id = ?", id, models.JobStatusPosting, taskID).
		Update("publish_attempt", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrPreconditionFailed
	}
	return nil
}

func (s *Store) ClaimJobTask(ctx context.Context, id uint, status models.JobStatus, taskID string, staleBefore, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, status).
		Where("pending_task_id = '' OR pending_task_id IS NULL OR pending_since IS NULL OR pending_since < ?", staleBefore).
		Updates(map[string]interface{}{
			"pending_task_id": taskID,
			"pending_since":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func noLivePendingTask(q *gorm.DB, staleBefore time.Time) *gorm.DB {
	return q.Where("pending_task_id = '' OR pending_task_id IS NULL OR pending_since IS NULL OR pending_since < ?", staleBefore)
}

func (s *Store) ListJobsAwaitingGeneration(ctx context.Context, staleBefore time.Time, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	query := s.db.WithContext(ctx).Where("status = ?", models.JobStatusQueued)
	query = noLivePendingTask(query, staleBefore).Order("created_at ASC").Order("id ASC")
	if err := paginate(query, limit, 0).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListJobsDueForPublish(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	query := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.JobStatusScheduled, now)
	query = noLivePendingTask(query, staleBefore).Order("scheduled_at ASC").Order("id ASC")
	if err := paginate(query, limit, 0).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListStuckJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	query := s.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobStatusGenerating, models.JobStatusPosting}).
		Where("updated_at < ?", before).
		Order("updated_at ASC")
	if err := paginate(query, limit, 0).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Alert and card operations

func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert *models.Alert) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "metric"}, {Name: "bucket"}},
		DoNothing: true,
	}).Create(alert)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// feedScope restricts a query on table to rows whose source matches filter
func feedScope(q *gorm.DB, table string, filter storage.FeedFilter) *gorm.DB {
	if filter.OwnerID == "" && filter.GroupID == "" {
		return q
	}
	sub := "SELECT id FROM sources WHERE 1=1"
	var args []interface{}
	if filter.OwnerID != "" {
		sub += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.GroupID != "" {
		sub += " AND group_id = ?"
		args = append(args, filter.GroupID)
	}
	return q.Where(table+".source_id IN ("+sub+")", args...)
}

func (s *Store) ListAlerts(ctx context.Context, filter storage.FeedFilter) ([]*models.Alert, error) {
	var alerts []*models.Alert
	query := feedScope(s.db.WithContext(ctx).Model(&models.Alert{}), "alerts", filter).
		Order("created_at DESC").Order("id DESC")
	if err := paginate(query, filter.Limit, filter.Offset).Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) GetCardByItem(ctx context.Context, itemID uint) (*models.StrategyCard, error) {
	var card models.StrategyCard
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).First(&card).Error; err != nil {
		return nil, notFound(err)
	}
	return &card, nil
}

func (s *Store) CreateCardIfAbsent(ctx context.Context, card *models.StrategyCard) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoNothing: true,
	}).Create(card)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListCards(ctx context.Context, filter storage.FeedFilter) ([]*models.StrategyCard, error) {
	var cards []*models.StrategyCard
	query := feedScope(s.db.WithContext(ctx).Model(&models.StrategyCard{}), "strategy_cards", filter).
		Order("created_at DESC").Order("id DESC")
	if err := paginate(query, filter.Limit, filter.Offset).Find(&cards).Error; err != nil {
		return nil, err
	}
	return cards, nil
}

// Credential operations

func (s *Store) SaveCredential(ctx context.Context, cred *models.PlatformCredential) error {
	// Upsert - update if exists, create if not
	var existing models.PlatformCredential
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND platform = ?", cred.OwnerID, cred.Platform).
		First(&existing).Error; err == nil {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	}
	return s.db.WithContext(ctx).Save(cred).Error
}

func (s *Store) GetCredential(ctx context.Context, ownerID string, platform models.Platform) (*models.PlatformCredential, error) {
	var cred models.PlatformCredential
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND platform = ?", ownerID, platform).
		First(&cred).Error; err != nil {
		return nil, notFound(err)
	}
	return &cred, nil
}

var _ storage.Store = (*Store)(nil)
