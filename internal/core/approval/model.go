package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Status は承認依頼の状態
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Decided は判定済みの状態かを返します
func (s Status) Decided() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

var (
	// ErrNotFound は承認依頼が存在しない場合のエラー
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyDecided は判定済みの依頼を更新しようとした場合のエラー
	ErrAlreadyDecided = errors.New("approval request already decided")
	// ErrInvalidDecision は pending への変更など不正な判定のエラー
	ErrInvalidDecision = errors.New("invalid approval decision")
	// ErrDuplicatePending は同じジョブに未判定の依頼が既にある場合のエラー
	ErrDuplicatePending = errors.New("pending approval request already exists for job")
)

// Request は人による判断を待つ承認依頼
type Request struct {
	ID          uuid.UUID  `json:"id"`
	JobID       string     `json:"job_id"`
	TenantID    string     `json:"tenant_id"`
	Reason      string     `json:"reason"`
	Conditions  []string   `json:"conditions"`
	BudgetUsed  float64    `json:"budget_used"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      Status     `json:"status"`
	Decider     string     `json:"decider,omitempty"`
	Note        string     `json:"note,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Decision は承認依頼への判定
type Decision struct {
	Status  Status
	Decider string
	Note    string
	At      time.Time
}

// Repository は承認依頼の保存先
type Repository interface {
	// Create は依頼を保存します。同じジョブに未判定の依頼があれば ErrDuplicatePending
	Create(ctx context.Context, req *Request) error
	// Get は ID で依頼を取得します
	Get(ctx context.Context, id uuid.UUID) (mo.Option[*Request], error)
	// FindPendingByJob はジョブの未判定の依頼を取得します
	FindPendingByJob(ctx context.Context, jobID string) (mo.Option[*Request], error)
	// ListPending は未判定の依頼を古い順に返します
	ListPending(ctx context.Context) ([]*Request, error)
	// Decide は未判定の依頼に判定を記録します。判定済みなら ErrAlreadyDecided
	Decide(ctx context.Context, id uuid.UUID, decision Decision) (*Request, error)
}
