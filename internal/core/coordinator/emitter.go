package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event は分析系へ送る完了イベント
type Event struct {
	JobID        string     `json:"job_id"`
	TenantID     string     `json:"tenant_id"`
	DocID        string     `json:"doc_id"`
	ProcessTime  time.Time  `json:"process_time"`
	Sentiment    Sentiment  `json:"sentiment"`
	Topics       []string   `json:"topics"`
	Urgency      bool       `json:"urgency"`
	SourceType   SourceType `json:"source_type"`
	EdgesCreated int        `json:"edges_created"`
	Status       string     `json:"status"`
}

// Emitter は完了イベントを送出します
type Emitter interface {
	Emit(ctx context.Context, jobID string, enriched *EnrichmentResult, graph *GraphResult) error
}

// QueueEmitter は analysis.jobs トピックへイベントを送る Emitter
type QueueEmitter struct {
	publisher Publisher
	tenantID  string
	topic     string
	now       func() time.Time
}

// NewQueueEmitter は新しいQueueEmitterを作成します
func NewQueueEmitter(publisher Publisher, tenantID string) *QueueEmitter {
	return &QueueEmitter{
		publisher: publisher,
		tenantID:  tenantID,
		topic:     TopicAnalysisJobs,
		now:       time.Now,
	}
}

// Emit はイベントを1件送ります
func (e *QueueEmitter) Emit(ctx context.Context, jobID string, enriched *EnrichmentResult, graph *GraphResult) error {
	if enriched == nil || graph == nil {
		return fmt.Errorf("%w: emit requires enrichment and graph results", ErrOutOfOrder)
	}

	tenantID := enriched.TenantID
	if tenantID == "" {
		tenantID = e.tenantID
	}
	topics := enriched.Topics
	if topics == nil {
		topics = []string{}
	}

	event := Event{
		JobID:        jobID,
		TenantID:     tenantID,
		DocID:        enriched.DocID.String(),
		ProcessTime:  e.now().UTC(),
		Sentiment:    enriched.Sentiment,
		Topics:       topics,
		Urgency:      enriched.Urgency,
		SourceType:   enriched.SourceType,
		EdgesCreated: graph.EdgesCreated,
		Status:       string(StatusCompleted),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	if err := e.publisher.Publish(ctx, e.topic, body); err != nil {
		return fmt.Errorf("イベントの送信に失敗: %w", err)
	}

	return nil
}

// インターフェース実装の確認
var _ Emitter = (*QueueEmitter)(nil)
