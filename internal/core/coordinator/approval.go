package coordinator

import (
	"context"
	"errors"
)

// ErrApprovalDenied は承認が却下された場合のエラー
var ErrApprovalDenied = errors.New("approval denied")

// ApprovalRequest は承認ゲートへの依頼内容
type ApprovalRequest struct {
	JobID      string
	TenantID   string
	Reason     string
	Conditions []StopCondition
	BudgetUsed float64
	Job        Job
}

// ApprovalDecision は承認ゲートの判定
type ApprovalDecision struct {
	Approved bool
	Decider  string
	Note     string
}

// ApprovalGate は停止条件が発火したジョブの継続可否を判断します
// ctx が終了するまで判定を待ってよい
type ApprovalGate interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}
