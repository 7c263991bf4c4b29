package graph

import (
	"time"

	"github.com/google/uuid"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// RelationFor はエンティティ種別から関係種別を決めます
func RelationFor(t coordinator.EntityType) RelationType {
	if t == coordinator.EntityTopic {
		return RelationMentions
	}
	return RelationAbout
}

// BuildEdges は文書から各エンティティへのエッジを作ります
func BuildEdges(docID uuid.UUID, entities []coordinator.Entity, now time.Time) []Edge {
	edges := make([]Edge, 0, len(entities))
	for _, e := range entities {
		edges = append(edges, Edge{
			FromID:       docID,
			ToID:         e.ID,
			RelationType: RelationFor(e.Type),
			Weight:       e.Confidence,
			Properties: map[string]any{
				"confidence":  e.Confidence,
				"entity_type": string(e.Type),
				"created_at":  now.UTC().Format(time.RFC3339),
			},
		})
	}
	return edges
}
