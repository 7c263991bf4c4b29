package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// RelationType はエッジの関係種別
type RelationType string

const (
	RelationMentions  RelationType = "MENTIONS"
	RelationAbout     RelationType = "ABOUT"
	RelationRelatedTo RelationType = "RELATED_TO"
	RelationSameAs    RelationType = "SAME_AS"
	RelationPartOf    RelationType = "PART_OF"
)

// Valid は既知の関係種別かを返します
func (r RelationType) Valid() bool {
	switch r {
	case RelationMentions, RelationAbout, RelationRelatedTo, RelationSameAs, RelationPartOf:
		return true
	}
	return false
}

var (
	// ErrInvalidRelation は未知の関係種別
	ErrInvalidRelation = errors.New("invalid relation type")
	// ErrInvalidEdge は端点が欠けたエッジ
	ErrInvalidEdge = errors.New("edge endpoints must be set")
)

// Edge は文書とエンティティを結ぶ有向エッジ
type Edge struct {
	FromID       uuid.UUID
	ToID         uuid.UUID
	RelationType RelationType
	Weight       float64
	Properties   map[string]any
}

// Validate はエッジの整合性を確認します
func (e Edge) Validate() error {
	if e.FromID == uuid.Nil || e.ToID == uuid.Nil {
		return ErrInvalidEdge
	}
	if !e.RelationType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRelation, e.RelationType)
	}
	return nil
}

// Document はグラフに書き込む文書と、その断片・エンティティ・エッジ
type Document struct {
	ID             uuid.UUID
	TenantID       string
	JobID          string
	SourceType     coordinator.SourceType
	URL            string
	Title          string
	Sentiment      coordinator.Sentiment
	Urgency        bool
	Topics         []string
	EmbeddingModel string
	Chunks         []coordinator.Chunk
	Entities       []coordinator.Entity
	Edges          []Edge
	CreatedAt      time.Time
}

// SaveResult は書き込み結果の件数
type SaveResult struct {
	EntitiesUpserted int
	EdgesCreated     int
}
