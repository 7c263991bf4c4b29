package container

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/voc-coordinator/internal/core/approval"
	"github.com/jinford/voc-coordinator/internal/core/coordinator"
	"github.com/jinford/voc-coordinator/internal/platform/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewQueue_Memory(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue(ctx, config.QueueConfig{Driver: config.QueueDriverMemory})
	require.NoError(t, err)

	consumer, err := q.Consumer(coordinator.TopicScrapeJobs)
	require.NoError(t, err)
	require.NoError(t, q.Publisher.Publish(ctx, coordinator.TopicScrapeJobs, []byte(`{"url":"https://example.com"}`)))

	got, err := consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, got.IsPresent())
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(got.MustGet().Body))
	assert.NoError(t, q.Close())
}

func TestNewQueue_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	q, err := NewQueue(ctx, config.QueueConfig{
		Driver:      config.QueueDriverRedis,
		RedisAddr:   mr.Addr(),
		RedisPrefix: "voc-test",
		WorkerID:    "w1",
	})
	require.NoError(t, err)
	defer q.Close()

	require.NotNil(t, q.Recover)
	require.NotNil(t, q.Reap)
	consumer, err := q.Consumer(coordinator.TopicScrapeJobs)
	require.NoError(t, err)
	require.NoError(t, q.Publisher.Publish(ctx, coordinator.TopicScrapeJobs, []byte(`{}`)))

	got, err := consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, got.IsPresent())
	assert.Implements(t, (*coordinator.Extender)(nil), consumer)
}

func TestStartReaper_RequeuesStalledJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Queue = config.QueueConfig{
		Driver:      config.QueueDriverRedis,
		RedisAddr:   mr.Addr(),
		RedisPrefix: "voc-test",
		WorkerID:    "w1",
	}
	c := &Container{Config: cfg, Logger: discardLogger()}
	defer c.Close()

	// 停止したワーカーが抱えたままのメッセージ。前回の走査でロック切れを記録済み
	mr.Lpush("voc-test:scrape.jobs:processing:crashed", "m1")
	mr.HSet("voc-test:scrape.jobs:suspects", "m1", "0")

	stop, err := c.StartReaper(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool {
		wait, _ := mr.List("voc-test:scrape.jobs:wait")
		return len(wait) == 1 && wait[0] == "m1"
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, mr.Exists("voc-test:scrape.jobs:processing:crashed"))
}

func TestStartReaper_NoopForMemoryDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Driver = config.QueueDriverMemory
	c := &Container{Config: cfg, Logger: discardLogger()}

	stop, err := c.StartReaper(context.Background(), time.Millisecond)
	require.NoError(t, err)
	stop()
}

func TestNewQueue_RedisUnreachable(t *testing.T) {
	_, err := NewQueue(context.Background(), config.QueueConfig{
		Driver:    config.QueueDriverRedis,
		RedisAddr: "127.0.0.1:1",
	})
	assert.Error(t, err)
}

func TestNewQueue_UnknownDriver(t *testing.T) {
	_, err := NewQueue(context.Background(), config.QueueConfig{Driver: "kafka"})
	assert.ErrorContains(t, err, "kafka")
}

func TestNewApprovalGate(t *testing.T) {
	cfg := testConfig(t)
	repo := approval.NewMemoryRepository()

	cfg.Coordinator.ApprovalMode = config.ApprovalModeAuto
	assert.IsType(t, &approval.AutoApprover{}, NewApprovalGate(cfg, repo, discardLogger()))

	cfg.Coordinator.ApprovalMode = config.ApprovalModeManual
	assert.IsType(t, &approval.Gate{}, NewApprovalGate(cfg, repo, discardLogger()))
}

func TestNewAcquisition_RoutesToWebFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Review</title></head><body><p>The battery died after a week.</p></body></html>`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Acquisition.MCPServerURL = ""
	cfg.Acquisition.WebCostUSD = 0.05

	service := NewAcquisition(cfg, discardLogger())
	res, cost, err := service.Acquire(context.Background(), coordinator.Job{ID: "j1", SourceType: coordinator.SourceTypeWeb, URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "Review", res.Title)
	assert.Contains(t, res.Content, "The battery died after a week.")
	assert.InDelta(t, 0.05, cost, 1e-9)
}

func TestNewAcquisition_KeywordJobsNeedSearchBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Acquisition.MCPServerURL = ""

	service := NewAcquisition(cfg, discardLogger())
	_, _, err := service.Acquire(context.Background(), coordinator.Job{ID: "j1", Keywords: []string{"widget"}})
	assert.Error(t, err)
}

func TestNewTagger_RequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAI.APIKey = ""

	_, err := NewTagger(cfg, discardLogger())
	assert.Error(t, err)
}

func TestSubmitJob(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue(ctx, config.QueueConfig{Driver: config.QueueDriverMemory})
	require.NoError(t, err)

	c := &Container{Config: testConfig(t), Logger: discardLogger(), queue: q}
	require.NoError(t, c.SubmitJob(ctx, coordinator.Job{ID: "j1", SourceType: coordinator.SourceTypeWeb, URL: "https://example.com"}))

	consumer, err := q.Consumer(coordinator.TopicScrapeJobs)
	require.NoError(t, err)
	got, err := consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, got.IsPresent())
	assert.Contains(t, string(got.MustGet().Body), `"id":"j1"`)

	empty := &Container{}
	assert.ErrorIs(t, empty.SubmitJob(ctx, coordinator.Job{}), ErrQueueNotConfigured)
}

func TestSubmitJob_OpensQueueOnDemand(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Queue.Driver = config.QueueDriverMemory

	c := &Container{Config: cfg, Logger: discardLogger()}
	require.NoError(t, c.SubmitJob(ctx, coordinator.Job{ID: "j2", SourceType: coordinator.SourceTypeWeb, URL: "https://example.com"}))

	q, err := c.OpenQueue(ctx)
	require.NoError(t, err)
	consumer, err := q.Consumer(coordinator.TopicScrapeJobs)
	require.NoError(t, err)
	got, err := consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, got.IsPresent())
	assert.Contains(t, string(got.MustGet().Body), `"id":"j2"`)
}
