package ledger

import (
	"errors"
	"time"
)

// Category はコストの分類
type Category string

const (
	CategoryAcquisition Category = "acquisition"
	CategoryEnrichment  Category = "enrichment"
	CategoryGraphUpdate Category = "graph-update"
	CategoryOther       Category = "other"
)

// Categories は既知のカテゴリを宣言順で返します
func Categories() []Category {
	return []Category{CategoryAcquisition, CategoryEnrichment, CategoryGraphUpdate, CategoryOther}
}

// NormalizeCategory は未知のカテゴリを other に寄せます
func NormalizeCategory(c Category) Category {
	switch c {
	case CategoryAcquisition, CategoryEnrichment, CategoryGraphUpdate, CategoryOther:
		return c
	default:
		return CategoryOther
	}
}

var (
	// ErrNegativeCost は負のコストが渡された場合のエラー
	ErrNegativeCost = errors.New("cost amount must not be negative")
	// ErrInvalidAmount は NaN / Inf が渡された場合のエラー
	ErrInvalidAmount = errors.New("cost amount must be a finite number")
	// ErrEmptyJobID はジョブIDが空の場合のエラー
	ErrEmptyJobID = errors.New("job id is required")
)

// Entry は1件のコスト記録
type Entry struct {
	JobID      string    `json:"job_id"`
	Category   Category  `json:"category"`
	Amount     float64   `json:"amount"`
	RecordedAt time.Time `json:"recorded_at"`
}

// JobDetails はジョブ単位のコスト内訳
type JobDetails struct {
	JobID      string               `json:"job_id"`
	Total      float64              `json:"total"`
	StartedAt  time.Time            `json:"started_at"`
	ByCategory map[Category]float64 `json:"by_category"`
	Entries    []Entry              `json:"entries"`
}

// Report は予算全体のレポート
type Report struct {
	TotalCost            float64              `json:"total_cost"`
	BudgetCap            float64              `json:"budget_cap"`
	RemainingBudget      float64              `json:"remaining_budget"`
	BudgetUtilizationPct float64              `json:"budget_utilization_pct"`
	JobCount             int                  `json:"job_count"`
	OperationsCost       map[Category]float64 `json:"operations_cost"`
	OperationsPct        map[Category]float64 `json:"operations_pct"`
}
