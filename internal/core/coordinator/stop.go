package coordinator

import "strings"

// StopCondition は処理を止めて人の承認を求める条件
type StopCondition string

const (
	StopBudgetCapExceeded StopCondition = "budget_cap_exceeded"
	StopUnknownDomain     StopCondition = "unknown_domain"
)

// StopInput は停止条件の評価に使う値
type StopInput struct {
	// BudgetUsed は評価対象ジョブの使用額
	BudgetUsed float64
	// LedgerTotal はプロセス全体の累計。先行ジョブの支出もここに現れます
	LedgerTotal float64
	Cap         float64

	DomainVerified        bool
	RequireVerifiedDomain bool
}

// EvaluateStopConditions は発火した停止条件を宣言順で返します
// 前回の評価結果は参照せず、毎回入力だけから計算します
func EvaluateStopConditions(in StopInput) []StopCondition {
	var conditions []StopCondition
	if in.BudgetUsed >= in.Cap || in.LedgerTotal >= in.Cap {
		conditions = append(conditions, StopBudgetCapExceeded)
	}
	if in.RequireVerifiedDomain && !in.DomainVerified {
		conditions = append(conditions, StopUnknownDomain)
	}
	return conditions
}

// ApprovalReason は条件名をカンマ区切りで連結します
func ApprovalReason(conditions []StopCondition) string {
	names := make([]string, len(conditions))
	for i, c := range conditions {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
