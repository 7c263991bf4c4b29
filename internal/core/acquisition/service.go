package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

type registered struct {
	backend     Backend
	costPerCall float64
}

// Service は登録順にバックエンドを評価し、最初に適合したものでジョブを取得します
type Service struct {
	backends []registered
	now      func() time.Time
	logger   *slog.Logger
}

type serviceOptions struct {
	backends []registered
	now      func() time.Time
	logger   *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithBackend はバックエンドと1呼び出しあたりのコストを登録します
func WithBackend(b Backend, costPerCall float64) ServiceOption {
	return func(o *serviceOptions) {
		o.backends = append(o.backends, registered{backend: b, costPerCall: costPerCall})
	}
}

// WithServiceClock は時刻取得関数を差し替えます
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// WithServiceLogger はロガーを設定します
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// NewService は新しいServiceを作成します
func NewService(opts ...ServiceOption) *Service {
	options := serviceOptions{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		backends: options.backends,
		now:      options.now,
		logger:   options.logger,
	}
}

// Acquire はジョブの対象を取得し、呼び出し回数に応じたコストを返します
func (s *Service) Acquire(ctx context.Context, job coordinator.Job) (*coordinator.AcquisitionResult, float64, error) {
	if !job.HasTarget() {
		return nil, 0, coordinator.ErrNoTarget
	}

	req := Request{URL: job.URL, Keywords: job.Keywords, SourceType: job.SourceType}
	reg, ok := s.route(req)
	if !ok {
		return nil, 0, fmt.Errorf("%w: source_type=%s", ErrNoBackend, job.SourceType)
	}

	name := reg.backend.Name()
	s.logger.Info("コンテンツ取得を開始", "jobID", job.ID, "backend", name, "url", job.URL, "keywords", len(job.Keywords))

	content, err := reg.backend.Fetch(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s での取得に失敗: %w", name, err)
	}
	if content == nil || strings.TrimSpace(content.Text) == "" {
		return nil, 0, fmt.Errorf("%w: backend=%s", coordinator.ErrEmptyContent, name)
	}

	calls := max(content.Calls, 1)
	cost := reg.costPerCall * float64(calls)

	url := content.URL
	if url == "" {
		url = job.URL
	}

	s.logger.Info("コンテンツ取得が完了", "jobID", job.ID, "backend", name, "chars", len(content.Text), "calls", calls, "cost", cost)

	return &coordinator.AcquisitionResult{
		URL:       url,
		Title:     content.Title,
		Content:   content.Text,
		Keywords:  job.Keywords,
		Backend:   name,
		Metadata:  content.Metadata,
		FetchedAt: s.now(),
	}, cost, nil
}

func (s *Service) route(req Request) (registered, bool) {
	for _, reg := range s.backends {
		if reg.backend.Suitable(req) {
			return reg, true
		}
	}
	return registered{}, false
}

// インターフェース実装の確認
var _ coordinator.AcquisitionGateway = (*Service)(nil)
