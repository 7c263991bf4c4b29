package acquisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

type stubBackend struct {
	name       string
	suitableFn func(req Request) bool
	fetchFn    func(ctx context.Context, req Request) (*Content, error)
	calls      int
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Suitable(req Request) bool { return b.suitableFn(req) }

func (b *stubBackend) Fetch(ctx context.Context, req Request) (*Content, error) {
	b.calls++
	return b.fetchFn(ctx, req)
}

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func searchBackend() *stubBackend {
	return &stubBackend{
		name:       "serp",
		suitableFn: func(req Request) bool { return req.KeywordOnly() || req.DomainAnalysis() },
		fetchFn: func(ctx context.Context, req Request) (*Content, error) {
			return &Content{Text: "search results", Calls: 2 * max(len(req.Keywords), 1)}, nil
		},
	}
}

func webBackend() *stubBackend {
	return &stubBackend{
		name:       "web",
		suitableFn: func(req Request) bool { return req.URL != "" },
		fetchFn: func(ctx context.Context, req Request) (*Content, error) {
			return &Content{URL: req.URL, Title: "Page", Text: "page body"}, nil
		},
	}
}

func newTestService(opts ...ServiceOption) *Service {
	opts = append([]ServiceOption{
		WithServiceClock(func() time.Time { return fixedNow }),
		WithServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewService(opts...)
}

func TestService_Routing(t *testing.T) {
	tests := []struct {
		name        string
		job         coordinator.Job
		wantBackend string
		wantCost    float64
	}{
		{
			name:        "URL付きのwebジョブはwebバックエンド",
			job:         coordinator.Job{ID: "j1", SourceType: coordinator.SourceTypeWeb, URL: "https://example.com"},
			wantBackend: "web",
			wantCost:    0.01,
		},
		{
			name:        "キーワードのみは検索バックエンド",
			job:         coordinator.Job{ID: "j2", SourceType: coordinator.SourceTypeWeb, Keywords: []string{"a", "b"}},
			wantBackend: "serp",
			wantCost:    0.02 * 4,
		},
		{
			name:        "seoジョブはURL付きでも検索バックエンド",
			job:         coordinator.Job{ID: "j3", SourceType: coordinator.SourceTypeSEO, URL: "https://example.com"},
			wantBackend: "serp",
			wantCost:    0.02 * 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(WithBackend(searchBackend(), 0.02), WithBackend(webBackend(), 0.01))

			res, cost, err := svc.Acquire(context.Background(), tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBackend, res.Backend)
			assert.InDelta(t, tt.wantCost, cost, 1e-12)
			assert.Equal(t, fixedNow, res.FetchedAt)
		})
	}
}

func TestService_ResultCarriesJobFields(t *testing.T) {
	svc := newTestService(WithBackend(webBackend(), 0))
	job := coordinator.Job{ID: "j1", URL: "https://example.com/p", Keywords: []string{"k"}}

	res, cost, err := svc.Acquire(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/p", res.URL)
	assert.Equal(t, "Page", res.Title)
	assert.Equal(t, []string{"k"}, res.Keywords)
	assert.Zero(t, cost)
}

func TestService_NoTarget(t *testing.T) {
	web := webBackend()
	svc := newTestService(WithBackend(web, 0.01))

	_, _, err := svc.Acquire(context.Background(), coordinator.Job{ID: "j1"})
	assert.ErrorIs(t, err, coordinator.ErrNoTarget)
	assert.Zero(t, web.calls)
}

func TestService_NoSuitableBackend(t *testing.T) {
	svc := newTestService(WithBackend(webBackend(), 0.01))

	_, _, err := svc.Acquire(context.Background(), coordinator.Job{ID: "j1", Keywords: []string{"k"}})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestService_BackendFailures(t *testing.T) {
	failing := webBackend()
	failing.fetchFn = func(ctx context.Context, req Request) (*Content, error) {
		return nil, errors.New("403 forbidden")
	}
	_, _, err := newTestService(WithBackend(failing, 0.01)).Acquire(context.Background(), coordinator.Job{ID: "j1", URL: "https://example.com"})
	assert.ErrorContains(t, err, "403 forbidden")

	empty := webBackend()
	empty.fetchFn = func(ctx context.Context, req Request) (*Content, error) {
		return &Content{Text: "  \n"}, nil
	}
	_, cost, err := newTestService(WithBackend(empty, 0.01)).Acquire(context.Background(), coordinator.Job{ID: "j1", URL: "https://example.com"})
	assert.ErrorIs(t, err, coordinator.ErrEmptyContent)
	assert.Zero(t, cost)
}
