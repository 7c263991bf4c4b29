package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
	"github.com/jinford/voc-coordinator/internal/core/graph"
	"github.com/jinford/voc-coordinator/internal/platform/database"
)

// GraphRepository は graph.Repository を実装する PostgreSQL リポジトリです
type GraphRepository struct {
	txProvider *database.TransactionProvider
}

// NewGraphRepository は新しい GraphRepository を作成します
func NewGraphRepository(txProvider *database.TransactionProvider) *GraphRepository {
	return &GraphRepository{txProvider: txProvider}
}

// コンパイル時の型チェック
var _ graph.Repository = (*GraphRepository)(nil)

const upsertDocumentSQL = `
INSERT INTO documents (id, tenant_id, job_id, source_type, url, title, sentiment, urgency, topics, embedding_model, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
ON CONFLICT (id) DO UPDATE SET
    source_type = EXCLUDED.source_type,
    url = EXCLUDED.url,
    title = EXCLUDED.title,
    sentiment = EXCLUDED.sentiment,
    urgency = EXCLUDED.urgency,
    topics = EXCLUDED.topics,
    embedding_model = EXCLUDED.embedding_model,
    updated_at = EXCLUDED.updated_at`

const upsertEntitySQL = `
INSERT INTO entities (id, tenant_id, entity_type, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`

// SaveDocument は文書・断片・エンティティ・エッジを1トランザクションで保存します。
// 同じ文書の再保存では断片とエッジを置き換えます
func (r *GraphRepository) SaveDocument(ctx context.Context, doc *graph.Document) (graph.SaveResult, error) {
	return database.Transact(ctx, r.txProvider, func(tx pgx.Tx) (graph.SaveResult, error) {
		topics := doc.Topics
		if topics == nil {
			topics = []string{}
		}

		if _, err := tx.Exec(ctx, upsertDocumentSQL,
			UUIDToPgtype(doc.ID),
			doc.TenantID,
			doc.JobID,
			string(doc.SourceType),
			StringToNullableText(doc.URL),
			StringToNullableText(doc.Title),
			string(doc.Sentiment),
			doc.Urgency,
			topics,
			StringToNullableText(doc.EmbeddingModel),
			TimeToPgtype(doc.CreatedAt),
		); err != nil {
			return graph.SaveResult{}, fmt.Errorf("failed to upsert document: %w", err)
		}

		// 再配信時は前回の断片とエッジを置き換える
		if _, err := tx.Exec(ctx, `DELETE FROM edges WHERE from_id = $1`, UUIDToPgtype(doc.ID)); err != nil {
			return graph.SaveResult{}, fmt.Errorf("failed to delete edges: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, UUIDToPgtype(doc.ID)); err != nil {
			return graph.SaveResult{}, fmt.Errorf("failed to delete chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range doc.Chunks {
			var embedding any
			if len(c.Embedding) > 0 {
				embedding = pgvector.NewVector(c.Embedding)
			}
			batch.Queue(`INSERT INTO chunks (id, document_id, ordinal, content, token_count, embedding) VALUES ($1, $2, $3, $4, $5, $6)`,
				UUIDToPgtype(c.ID), UUIDToPgtype(doc.ID), c.Ordinal, c.Text, c.TokenCount, embedding)
		}
		for _, e := range doc.Entities {
			batch.Queue(upsertEntitySQL, UUIDToPgtype(e.ID), doc.TenantID, string(e.Type), e.Name, TimeToPgtype(doc.CreatedAt))
		}
		for _, e := range doc.Edges {
			props, err := json.Marshal(e.Properties)
			if err != nil {
				return graph.SaveResult{}, fmt.Errorf("failed to marshal edge properties: %w", err)
			}
			batch.Queue(`INSERT INTO edges (from_id, to_id, relation_type, weight, properties, created_at) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (from_id, to_id, relation_type) DO NOTHING`,
				UUIDToPgtype(e.FromID), UUIDToPgtype(e.ToID), string(e.RelationType), e.Weight, props, TimeToPgtype(doc.CreatedAt))
		}

		results := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return graph.SaveResult{}, fmt.Errorf("failed to write graph rows: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return graph.SaveResult{}, fmt.Errorf("failed to close batch: %w", err)
		}

		return graph.SaveResult{EntitiesUpserted: len(doc.Entities), EdgesCreated: len(doc.Edges)}, nil
	})
}

// GetDocument は文書と断片・エンティティ・エッジを取得します
func (r *GraphRepository) GetDocument(ctx context.Context, id uuid.UUID) (mo.Option[*graph.Document], error) {
	pool := r.txProvider.Pool()

	var (
		doc                        graph.Document
		sourceType, sentiment      string
		url, title, embeddingModel pgtype.Text
		createdAt                  time.Time
	)
	err := pool.QueryRow(ctx, `
SELECT tenant_id, job_id, source_type, url, title, sentiment, urgency, topics, embedding_model, created_at
FROM documents WHERE id = $1`, UUIDToPgtype(id)).Scan(
		&doc.TenantID, &doc.JobID, &sourceType, &url, &title, &sentiment, &doc.Urgency, &doc.Topics, &embeddingModel, &createdAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*graph.Document](), nil
		}
		return mo.None[*graph.Document](), fmt.Errorf("failed to get document: %w", err)
	}
	doc.ID = id
	doc.SourceType = coordinator.SourceType(sourceType)
	doc.Sentiment = coordinator.Sentiment(sentiment)
	doc.URL = PgtextToString(url)
	doc.Title = PgtextToString(title)
	doc.EmbeddingModel = PgtextToString(embeddingModel)
	doc.CreatedAt = createdAt

	chunkRows, err := pool.Query(ctx, `SELECT id, ordinal, content, token_count FROM chunks WHERE document_id = $1 ORDER BY ordinal`, UUIDToPgtype(id))
	if err != nil {
		return mo.None[*graph.Document](), fmt.Errorf("failed to list chunks: %w", err)
	}
	doc.Chunks, err = pgx.CollectRows(chunkRows, func(row pgx.CollectableRow) (coordinator.Chunk, error) {
		var (
			c       coordinator.Chunk
			chunkID pgtype.UUID
		)
		err := row.Scan(&chunkID, &c.Ordinal, &c.Text, &c.TokenCount)
		c.ID = PgtypeToUUID(chunkID)
		return c, err
	})
	if err != nil {
		return mo.None[*graph.Document](), fmt.Errorf("failed to scan chunks: %w", err)
	}

	edgeRows, err := pool.Query(ctx, `
SELECT e.to_id, e.relation_type, e.weight, e.properties, n.entity_type, n.name
FROM edges e JOIN entities n ON n.id = e.to_id
WHERE e.from_id = $1 ORDER BY n.entity_type, n.name`, UUIDToPgtype(id))
	if err != nil {
		return mo.None[*graph.Document](), fmt.Errorf("failed to list edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var (
			toID                pgtype.UUID
			relation, typ, name string
			weight              float64
			props               []byte
		)
		if err := edgeRows.Scan(&toID, &relation, &weight, &props, &typ, &name); err != nil {
			return mo.None[*graph.Document](), fmt.Errorf("failed to scan edge: %w", err)
		}
		edge := graph.Edge{
			FromID:       id,
			ToID:         PgtypeToUUID(toID),
			RelationType: graph.RelationType(relation),
			Weight:       weight,
		}
		if err := json.Unmarshal(props, &edge.Properties); err != nil {
			return mo.None[*graph.Document](), fmt.Errorf("failed to decode edge properties: %w", err)
		}
		doc.Edges = append(doc.Edges, edge)
		doc.Entities = append(doc.Entities, coordinator.Entity{
			ID:         edge.ToID,
			Type:       coordinator.EntityType(typ),
			Name:       name,
			Confidence: weight,
		})
	}
	if err := edgeRows.Err(); err != nil {
		return mo.None[*graph.Document](), fmt.Errorf("failed to iterate edges: %w", err)
	}

	return mo.Some(&doc), nil
}
