package graph

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Repository はグラフストアへの書き込みを抽象化します。
// SaveDocument は文書・断片・エンティティ・エッジを1トランザクションで保存し、
// 同じ文書IDの再保存では断片とエッジを置き換えます
type Repository interface {
	SaveDocument(ctx context.Context, doc *Document) (SaveResult, error)
	GetDocument(ctx context.Context, id uuid.UUID) (mo.Option[*Document], error)
}

// MemoryRepository はプロセス内のグラフストア
type MemoryRepository struct {
	mu       sync.RWMutex
	docs     map[uuid.UUID]*Document
	entities map[uuid.UUID]struct{}
}

// NewMemoryRepository は新しいMemoryRepositoryを作成します
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs:     make(map[uuid.UUID]*Document),
		entities: make(map[uuid.UUID]struct{}),
	}
}

// SaveDocument は文書を保存します
func (r *MemoryRepository) SaveDocument(ctx context.Context, doc *Document) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *doc
	copied.Chunks = append(copied.Chunks[:0:0], doc.Chunks...)
	copied.Entities = append(copied.Entities[:0:0], doc.Entities...)
	copied.Edges = append(copied.Edges[:0:0], doc.Edges...)
	r.docs[doc.ID] = &copied

	for _, e := range doc.Entities {
		r.entities[e.ID] = struct{}{}
	}

	return SaveResult{EntitiesUpserted: len(doc.Entities), EdgesCreated: len(doc.Edges)}, nil
}

// GetDocument は文書を取得します
func (r *MemoryRepository) GetDocument(ctx context.Context, id uuid.UUID) (mo.Option[*Document], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return mo.None[*Document](), nil
	}
	copied := *doc
	return mo.Some(&copied), nil
}

// EntityCount はこれまでに保存されたエンティティの種類数を返します
func (r *MemoryRepository) EntityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// インターフェース実装の確認
var _ Repository = (*MemoryRepository)(nil)
