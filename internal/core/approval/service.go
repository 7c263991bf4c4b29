package approval

import (
	"context"
	"fmt"
	"time"
)

// Service は運用者が承認依頼を判定するためのユースケース
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService は新しいServiceを作成します
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ListPending は未判定の依頼を返します
func (s *Service) ListPending(ctx context.Context) ([]*Request, error) {
	reqs, err := s.repo.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("承認依頼一覧の取得に失敗: %w", err)
	}
	return reqs, nil
}

// Approve はジョブの未判定の依頼を承認します
func (s *Service) Approve(ctx context.Context, jobID, decider, note string) (*Request, error) {
	return s.decide(ctx, jobID, StatusApproved, decider, note)
}

// Deny はジョブの未判定の依頼を却下します
func (s *Service) Deny(ctx context.Context, jobID, decider, note string) (*Request, error) {
	return s.decide(ctx, jobID, StatusDenied, decider, note)
}

func (s *Service) decide(ctx context.Context, jobID string, status Status, decider, note string) (*Request, error) {
	pending, err := s.repo.FindPendingByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("承認依頼の検索に失敗: %w", err)
	}
	if pending.IsAbsent() {
		return nil, fmt.Errorf("%w: job %s has no pending request", ErrNotFound, jobID)
	}

	req, err := s.repo.Decide(ctx, pending.MustGet().ID, Decision{
		Status:  status,
		Decider: decider,
		Note:    note,
		At:      s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("承認依頼の判定に失敗: %w", err)
	}
	return req, nil
}
