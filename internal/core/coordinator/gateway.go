package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrOutOfOrder は前段の結果が無い状態でステージを呼び出した場合のエラー
	ErrOutOfOrder = errors.New("stage invoked without required prior result")
	// ErrNoTarget はジョブに URL もキーワードも無い場合のエラー
	ErrNoTarget = errors.New("job has neither url nor keywords")
	// ErrEmptyContent は取得結果の本文が空の場合のエラー
	ErrEmptyContent = errors.New("acquired content is empty")
	// ErrNoTaggableEntities はグラフに書き込むエンティティが無い場合のエラー
	ErrNoTaggableEntities = errors.New("enrichment produced no taggable entities")
)

// EntityType はエンティティの種別
type EntityType string

const (
	EntityTopic        EntityType = "Topic"
	EntityBrand        EntityType = "Brand"
	EntityPerson       EntityType = "Person"
	EntityOrganization EntityType = "Organization"
	EntityLocation     EntityType = "Location"
	EntityProduct      EntityType = "Product"
	EntityFeature      EntityType = "Feature"
)

// Valid は既知の種別かを返します
func (t EntityType) Valid() bool {
	switch t {
	case EntityTopic, EntityBrand, EntityPerson, EntityOrganization, EntityLocation, EntityProduct, EntityFeature:
		return true
	}
	return false
}

// Sentiment は文書全体の感情
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// AcquisitionResult は取得ステージの出力
type AcquisitionResult struct {
	URL       string            `json:"url,omitempty"`
	Title     string            `json:"title,omitempty"`
	Content   string            `json:"content"`
	Keywords  []string          `json:"keywords,omitempty"`
	Backend   string            `json:"backend"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Entity は文書から抽出されたエンティティ
type Entity struct {
	ID         uuid.UUID  `json:"id"`
	Type       EntityType `json:"type"`
	Name       string     `json:"name"`
	Confidence float64    `json:"confidence"`
}

// Chunk は埋め込み済みの本文断片
type Chunk struct {
	ID         uuid.UUID `json:"id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Embedding  []float32 `json:"-"`
}

// EnrichmentResult は付加情報ステージの出力
type EnrichmentResult struct {
	DocID          uuid.UUID  `json:"doc_id"`
	TenantID       string     `json:"tenant_id"`
	SourceType     SourceType `json:"source_type"`
	URL            string     `json:"url,omitempty"`
	Title          string     `json:"title,omitempty"`
	Sentiment      Sentiment  `json:"sentiment"`
	Urgency        bool       `json:"urgency"`
	Topics         []string   `json:"topics"`
	Entities       []Entity   `json:"entities"`
	Chunks         []Chunk    `json:"chunks"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
}

// GraphResult はグラフ更新ステージの出力
type GraphResult struct {
	DocID            uuid.UUID `json:"doc_id"`
	EntitiesUpserted int       `json:"entities_upserted"`
	EdgesCreated     int       `json:"edges_created"`
}

// AcquisitionGateway は取得ステージ
type AcquisitionGateway interface {
	Acquire(ctx context.Context, job Job) (*AcquisitionResult, float64, error)
}

// EnrichmentGateway は付加情報ステージ
type EnrichmentGateway interface {
	Enrich(ctx context.Context, job Job, acquired *AcquisitionResult) (*EnrichmentResult, float64, error)
}

// GraphGateway はグラフ更新ステージ
type GraphGateway interface {
	UpdateGraph(ctx context.Context, job Job, enriched *EnrichmentResult) (*GraphResult, float64, error)
}
