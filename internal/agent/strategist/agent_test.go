package strategist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/agent"
	"github.com/signalpost/internal/ai"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/internal/storage/gormstore"
	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

type fakeExtractor struct {
	strategy *ai.Strategy
	err      error
	calls    int
}

func (f *fakeExtractor) ExtractStrategy(ctx context.Context, item *models.Item) (*ai.Strategy, error) {
	f.calls++
	return f.strategy, f.err
}

type recordingNotifier struct {
	cards []*models.StrategyCard
}

func (r *recordingNotifier) CardCreated(ctx context.Context, card *models.StrategyCard) error {
	r.cards = append(r.cards, card)
	return nil
}

func setup(t *testing.T) (*gormstore.Store, *fakeExtractor, *recordingNotifier, *metrics.Collector, *Agent) {
	t.Helper()
	store, err := gormstore.New(gormstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	ext := &fakeExtractor{strategy: &ai.Strategy{
		Platforms: []string{"linkedin"}, Niche: "devtools", Tactic: "Open with a benchmark", Confidence: 1.4,
	}}
	notifier := &recordingNotifier{}
	m := metrics.New("test")
	a := NewAgent(store, ext, notifier, agent.Guard{Timeout: time.Second}, m, logger.Nop())
	return store, ext, notifier, m, a
}

func createItem(t *testing.T, store *gormstore.Store) *models.Item {
	t.Helper()
	item := &models.Item{
		SourceID: 3, Platform: models.PlatformReddit, ExternalID: "t3_abc", Title: "We cut build times by 80%", PostedAt: time.Now().UTC(),
	}
	_, err := store.UpsertItem(context.Background(), item)
	require.NoError(t, err)
	return item
}

func strategyTask(itemID uint) queue.Task {
	task := queue.NewTask(queue.KindExtractStrategy)
	task.ItemID = itemID
	return task
}

func TestHandle_CreatesCard(t *testing.T) {
	store, _, notifier, m, a := setup(t)
	item := createItem(t, store)

	assert.Equal(t, worker.Done, a.Handle(context.Background(), strategyTask(item.ID)))

	card, err := store.GetCardByItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(3), card.SourceID)
	assert.Equal(t, "devtools", card.Niche)
	assert.Equal(t, 1.0, card.Confidence)
	assert.Equal(t, models.StringSlice{"linkedin"}, card.Platforms)

	require.Len(t, notifier.cards, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CardsCreated))
}

func TestHandle_IdempotentPerItem(t *testing.T) {
	store, ext, notifier, m, a := setup(t)
	item := createItem(t, store)

	require.Equal(t, worker.Done, a.Handle(context.Background(), strategyTask(item.ID)))
	require.Equal(t, worker.Done, a.Handle(context.Background(), strategyTask(item.ID)))

	assert.Equal(t, 1, ext.calls)
	assert.Len(t, notifier.cards, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CardsCreated))
}

func TestHandle_FailureClassification(t *testing.T) {
	store, ext, _, _, a := setup(t)
	item := createItem(t, store)

	ext.err = failure.Transient("anthropic", errors.New("overloaded"))
	assert.Equal(t, worker.Retry, a.Handle(context.Background(), strategyTask(item.ID)))

	ext.err = failure.Fatal("strategy", errors.New("failed to parse model response"))
	assert.Equal(t, worker.Fail, a.Handle(context.Background(), strategyTask(item.ID)))

	cards, err := store.ListCards(context.Background(), storage.DefaultFeedFilter())
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestHandle_MissingItemIsDone(t *testing.T) {
	_, ext, _, _, a := setup(t)

	assert.Equal(t, worker.Done, a.Handle(context.Background(), strategyTask(404)))
	assert.Zero(t, ext.calls)
}

// flakyStore fails the first card insert like a dropped database connection
type flakyStore struct {
	*gormstore.Store
	failed bool
}

func (f *flakyStore) CreateCardIfAbsent(ctx context.Context, card *models.StrategyCard) (bool, error) {
	if !f.failed {
		f.failed = true
		return false, errors.New("driver: bad connection")
	}
	return f.Store.CreateCardIfAbsent(ctx, card)
}

func TestHandle_StoreErrorRedelivers(t *testing.T) {
	store, ext, _, _, _ := setup(t)
	item := createItem(t, store)
	a := NewAgent(&flakyStore{Store: store}, ext, nil, agent.Guard{Timeout: time.Second}, nil, logger.Nop())

	assert.Equal(t, worker.Retry, a.Handle(context.Background(), strategyTask(item.ID)))
	assert.Equal(t, worker.Done, a.Handle(context.Background(), strategyTask(item.ID)))

	_, err := store.GetCardByItem(context.Background(), item.ID)
	assert.NoError(t, err)
}
