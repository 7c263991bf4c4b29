package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// MemoryRepository はプロセス内に依頼を保持する Repository
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*Request
}

// NewMemoryRepository は新しいMemoryRepositoryを作成します
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]*Request)}
}

func (r *MemoryRepository) Create(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Status == StatusPending {
		for _, existing := range r.requests {
			if existing.JobID == req.JobID && existing.Status == StatusPending {
				return ErrDuplicatePending
			}
		}
	}
	stored := *req
	r.requests[req.ID] = &stored
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (mo.Option[*Request], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return mo.None[*Request](), nil
	}
	copied := *req
	return mo.Some(&copied), nil
}

func (r *MemoryRepository) FindPendingByJob(_ context.Context, jobID string) (mo.Option[*Request], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.requests {
		if req.JobID == jobID && req.Status == StatusPending {
			copied := *req
			return mo.Some(&copied), nil
		}
	}
	return mo.None[*Request](), nil
}

func (r *MemoryRepository) ListPending(_ context.Context) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Request
	for _, req := range r.requests {
		if req.Status == StatusPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Decide(_ context.Context, id uuid.UUID, decision Decision) (*Request, error) {
	if !decision.Status.Decided() {
		return nil, ErrInvalidDecision
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}

	at := decision.At
	req.Status = decision.Status
	req.Decider = decision.Decider
	req.Note = decision.Note
	req.DecidedAt = &at

	copied := *req
	return &copied, nil
}

// インターフェース実装の確認
var _ Repository = (*MemoryRepository)(nil)
