package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// Writer は付加情報の結果をグラフストアに書き込みます
type Writer struct {
	repo        Repository
	costPerEdge float64
	now         func() time.Time
	logger      *slog.Logger
}

type writerOptions struct {
	costPerEdge float64
	now         func() time.Time
	logger      *slog.Logger
}

// WriterOption は Writer のオプション設定
type WriterOption func(*writerOptions)

// WithWriterCostPerEdge はエッジ1件あたりの書き込みコストを設定します
func WithWriterCostPerEdge(cost float64) WriterOption {
	return func(o *writerOptions) {
		o.costPerEdge = cost
	}
}

// WithWriterClock は時刻取得関数を差し替えます
func WithWriterClock(now func() time.Time) WriterOption {
	return func(o *writerOptions) {
		o.now = now
	}
}

// WithWriterLogger はロガーを設定します
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(o *writerOptions) {
		o.logger = logger
	}
}

// NewWriter は新しいWriterを作成します
func NewWriter(repo Repository, opts ...WriterOption) *Writer {
	options := writerOptions{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Writer{
		repo:        repo,
		costPerEdge: options.costPerEdge,
		now:         options.now,
		logger:      options.logger,
	}
}

// UpdateGraph は文書・エンティティ・エッジを保存します
func (w *Writer) UpdateGraph(ctx context.Context, job coordinator.Job, enriched *coordinator.EnrichmentResult) (*coordinator.GraphResult, float64, error) {
	if enriched == nil {
		return nil, 0, fmt.Errorf("%w: graph update requires enrichment", coordinator.ErrOutOfOrder)
	}
	if len(enriched.Entities) == 0 {
		return nil, 0, coordinator.ErrNoTaggableEntities
	}

	now := w.now()
	edges := BuildEdges(enriched.DocID, enriched.Entities, now)
	for _, e := range edges {
		if err := e.Validate(); err != nil {
			return nil, 0, err
		}
	}

	doc := &Document{
		ID:             enriched.DocID,
		TenantID:       enriched.TenantID,
		JobID:          job.ID,
		SourceType:     enriched.SourceType,
		URL:            enriched.URL,
		Title:          enriched.Title,
		Sentiment:      enriched.Sentiment,
		Urgency:        enriched.Urgency,
		Topics:         enriched.Topics,
		EmbeddingModel: enriched.EmbeddingModel,
		Chunks:         enriched.Chunks,
		Entities:       enriched.Entities,
		Edges:          edges,
		CreatedAt:      now,
	}

	saved, err := w.repo.SaveDocument(ctx, doc)
	if err != nil {
		return nil, 0, fmt.Errorf("グラフの保存に失敗: %w", err)
	}

	w.logger.Info("グラフを更新",
		"jobID", job.ID,
		"docID", doc.ID,
		"entities", saved.EntitiesUpserted,
		"edges", saved.EdgesCreated)

	return &coordinator.GraphResult{
		DocID:            doc.ID,
		EntitiesUpserted: saved.EntitiesUpserted,
		EdgesCreated:     saved.EdgesCreated,
	}, float64(saved.EdgesCreated) * w.costPerEdge, nil
}

// コンパイル時の型チェック
var _ coordinator.GraphGateway = (*Writer)(nil)
