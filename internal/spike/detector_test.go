package spike

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/storage/gormstore"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/logger"
)

type recordingNotifier struct {
	alerts []*models.Alert
}

func (r *recordingNotifier) AlertCreated(ctx context.Context, alert *models.Alert) error {
	r.alerts = append(r.alerts, alert)
	return nil
}

var now = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*gormstore.Store, *models.Source, *recordingNotifier, *metrics.Collector, *Detector) {
	t.Helper()
	store, err := gormstore.New(gormstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	src := &models.Source{OwnerID: "alice", Platform: models.PlatformReddit, Kind: models.SourceKindSubreddit, Value: "golang", Enabled: true}
	require.NoError(t, store.CreateSource(context.Background(), src))

	notifier := &recordingNotifier{}
	m := metrics.New("test")
	d := NewDetector(store, notifier, DefaultConfig(), m, logger.Nop())
	d.now = func() time.Time { return now }
	return store, src, notifier, m, d
}

// seed inserts n items for src posted one minute apart starting at from
func seed(t *testing.T, store *gormstore.Store, src *models.Source, from time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		item := &models.Item{
			SourceID:   src.ID,
			Platform:   src.Platform,
			ExternalID: fmt.Sprintf("%s-%d", from.Format("1504"), i),
			PostedAt:   from.Add(time.Duration(i) * time.Minute),
		}
		_, err := store.UpsertItem(context.Background(), item)
		require.NoError(t, err)
	}
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
}

func TestEvaluate(t *testing.T) {
	factor, spiked := Evaluate(25, 10, 2.0)
	assert.True(t, spiked)
	assert.Equal(t, 2.5, factor)

	_, spiked = Evaluate(15, 10, 2.0)
	assert.False(t, spiked)

	_, spiked = Evaluate(20, 10, 2.0)
	assert.False(t, spiked, "factor must exceed the threshold")

	_, spiked = Evaluate(1000, 0, 2.0)
	assert.False(t, spiked)
}

func TestDetect_CreatesOneAlert(t *testing.T) {
	store, src, notifier, m, d := setup(t)
	seed(t, store, src, at(10, 40), 10) // [10:30, 11:30)
	seed(t, store, src, at(12, 0), 25)  // [11:30, 12:30)

	alert, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 2.5, alert.Factor)
	assert.Equal(t, 25.0, alert.CurrentValue)
	assert.Equal(t, 10.0, alert.PreviousValue)
	assert.Equal(t, models.MetricItemsPerWindow, alert.Metric)
	assert.True(t, alert.WindowEnd.Equal(now))
	assert.True(t, alert.WindowStart.Equal(at(11, 30)))
	assert.True(t, alert.Bucket.Equal(at(12, 0)))

	// a later run in the same period does not alert again
	d.now = func() time.Time { return at(12, 35) }
	again, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	alerts, err := store.ListAlerts(context.Background(), storage.DefaultFeedFilter())
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, notifier.alerts, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsCreated))
}

func TestDetect_CountsTheCurrentPartialHour(t *testing.T) {
	store, src, notifier, _, d := setup(t)
	d.now = func() time.Time { return at(10, 55) }
	seed(t, store, src, at(9, 5), 10)
	seed(t, store, src, at(10, 5), 25)

	alert, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 25.0, alert.CurrentValue)
	assert.Equal(t, 10.0, alert.PreviousValue)
	assert.True(t, alert.Bucket.Equal(at(10, 0)))
	assert.Len(t, notifier.alerts, 1)
}

func TestDetect_NextPeriodMayAlertAgain(t *testing.T) {
	store, src, _, _, d := setup(t)
	d.now = func() time.Time { return at(10, 55) }
	seed(t, store, src, at(9, 5), 10)
	seed(t, store, src, at(10, 5), 25)

	first, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// [10:10, 11:10) holds 20 + 10, [09:10, 10:10) holds 5 + 5
	d.now = func() time.Time { return at(11, 10) }
	seed(t, store, src, at(11, 0), 10)

	second, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Bucket.Equal(at(11, 0)))
}

func TestDetect_NoAlertBelowThreshold(t *testing.T) {
	store, src, _, _, d := setup(t)
	seed(t, store, src, at(10, 40), 10)
	seed(t, store, src, at(11, 40), 15)

	alert, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestDetect_NoAlertWithoutPreviousActivity(t *testing.T) {
	store, src, _, _, d := setup(t)
	seed(t, store, src, at(11, 40), 40)

	alert, err := d.Detect(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestHandle(t *testing.T) {
	store, src, _, _, d := setup(t)
	seed(t, store, src, at(10, 40), 2)
	seed(t, store, src, at(11, 40), 5)

	task := queue.NewTask(queue.KindDetectSpike)
	task.SourceID = src.ID
	assert.Equal(t, worker.Done, d.Handle(context.Background(), task))

	task.SourceID = 999
	assert.Equal(t, worker.Done, d.Handle(context.Background(), task))
}
