// Package spike compares a source's activity in the trailing window with the
// window before it and records an alert when it jumps past a threshold.
package spike

import (
	"context"
	"errors"
	"time"

	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/logger"
)

// Config holds detector settings
type Config struct {
	// Window is the length of each compared window
	Window time.Duration
	// Align is the dedup period: at most one alert per source per period
	Align time.Duration
	// Threshold is the factor an alert must exceed
	Threshold float64
}

// DefaultConfig returns hour windows with a 2x threshold
func DefaultConfig() Config {
	return Config{Window: time.Hour, Align: time.Hour, Threshold: 2.0}
}

// Notifier is told about each alert after it is stored
type Notifier interface {
	AlertCreated(ctx context.Context, alert *models.Alert) error
}

// Store is what the detector reads and writes
type Store interface {
	GetSource(ctx context.Context, id uint) (*models.Source, error)
	CountItems(ctx context.Context, sourceID uint, from, to time.Time) (int64, error)
	CreateAlertIfAbsent(ctx context.Context, alert *models.Alert) (bool, error)
}

// Evaluate returns current/previous and whether it exceeds threshold. A
// previous value of zero has no defined growth and never alerts.
func Evaluate(current, previous, threshold float64) (float64, bool) {
	if previous <= 0 {
		return 0, false
	}
	factor := current / previous
	return factor, factor > threshold
}

// Detector runs spike detection for one source at a time
type Detector struct {
	store    Store
	notifier Notifier
	cfg      Config
	metrics  *metrics.Collector
	log      *logger.Logger
	now      func() time.Time
}

// NewDetector creates a detector. notifier may be nil.
func NewDetector(store Store, notifier Notifier, cfg Config, m *metrics.Collector, log *logger.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Align <= 0 {
		cfg.Align = def.Align
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Detector{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithComponent("spike"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements worker.Handler for detect-spike tasks. Detection is a
// read and a conditional insert, so any store error is simply retried.
func (d *Detector) Handle(ctx context.Context, task queue.Task) worker.Result {
	if _, err := d.Detect(ctx, task.SourceID); err != nil {
		d.log.WithSourceID(task.SourceID).Error().Err(err).Msg("Spike detection failed")
		return worker.Retry
	}
	return worker.Done
}

// Detect compares [now-w, now) with [now-2w, now-w). It returns the alert it
// created, or nil when there was no spike or the alert already existed.
func (d *Detector) Detect(ctx context.Context, sourceID uint) (*models.Alert, error) {
	log := d.log.WithSourceID(sourceID)

	if _, err := d.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Info().Msg("Source no longer exists, skipping")
			return nil, nil
		}
		return nil, err
	}

	end := d.now()
	bucket := end.Truncate(d.cfg.Align)
	start := end.Add(-d.cfg.Window)
	prevStart := start.Add(-d.cfg.Window)

	current, err := d.store.CountItems(ctx, sourceID, start, end)
	if err != nil {
		return nil, err
	}
	previous, err := d.store.CountItems(ctx, sourceID, prevStart, start)
	if err != nil {
		return nil, err
	}

	factor, spiked := Evaluate(float64(current), float64(previous), d.cfg.Threshold)
	log.Debug().
		Int64("current", current).
		Int64("previous", previous).
		Float64("factor", factor).
		Time("bucket", bucket).
		Msg("Spike check")
	if !spiked {
		return nil, nil
	}

	alert := &models.Alert{
		SourceID:      sourceID,
		Metric:        models.MetricItemsPerWindow,
		WindowStart:   start,
		WindowEnd:     end,
		Bucket:        bucket,
		CurrentValue:  float64(current),
		PreviousValue: float64(previous),
		Factor:        factor,
	}
	created, err := d.store.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Debug().Time("bucket", bucket).Msg("Alert already recorded for period")
		return nil, nil
	}
	d.metrics.AlertsCreated.Inc()

	log.Info().
		Float64("factor", factor).
		Int64("current", current).
		Int64("previous", previous).
		Msg("Activity spike detected")

	if d.notifier != nil {
		if err := d.notifier.AlertCreated(ctx, alert); err != nil {
			log.Warn().Err(err).Msg("Failed to notify about alert")
		}
	}
	return alert, nil
}
