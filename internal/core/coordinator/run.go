package coordinator

import (
	"fmt"
	"strings"
	"time"
)

// Status はジョブ実行の状態
type Status string

const (
	StatusPending           Status = "pending"
	StatusJobReceived       Status = "job_received"
	StatusCheckingStops     Status = "checking_stops"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusApproved          Status = "approved"
	StatusScrapingCompleted Status = "scraping_completed"
	StatusTaggingCompleted  Status = "tagging_completed"
	StatusGraphCompleted    Status = "graph_completed"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusNoJobs            Status = "no_jobs"
)

// Valid は既知の状態かを返します
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusJobReceived, StatusCheckingStops, StatusAwaitingApproval,
		StatusApproved, StatusScrapingCompleted, StatusTaggingCompleted, StatusGraphCompleted,
		StatusCompleted, StatusFailed, StatusNoJobs:
		return true
	}
	return false
}

// Terminal はジョブ実行が終了した状態かを返します
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNoJobs
}

// Stage はエラーの発生箇所
type Stage string

const (
	StageIntake      Stage = "intake"
	StageStopCheck   Stage = "stop_check"
	StageApproval    Stage = "approval"
	StageAcquisition Stage = "acquisition"
	StageEnrichment  Stage = "enrichment"
	StageGraphUpdate Stage = "graph_update"
	StageEmit        Stage = "emit"
	StageRouter      Stage = "router"
)

// StageError はジョブ実行中に記録されたエラー
type StageError struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StageError) String() string {
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

// JobRun は1ジョブ分の実行状態。ジョブごとに新しい値を作成します
type JobRun struct {
	Job              Job
	Status           Status
	StopConditions   []StopCondition
	ApprovalRequired bool
	ApprovalReason   string
	BudgetUsed       float64
	Errors           []StageError

	Acquisition *AcquisitionResult
	Enrichment  *EnrichmentResult
	Graph       *GraphResult

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewJobRun は pending 状態の JobRun を作成します
func NewJobRun(job Job, now time.Time) *JobRun {
	return &JobRun{
		Job:       job,
		Status:    StatusPending,
		StartedAt: now,
	}
}

// HasErrors はエラーが記録されているかを返します
func (r *JobRun) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *JobRun) addError(stage Stage, err error, now time.Time) {
	r.Errors = append(r.Errors, StageError{
		Stage:     stage,
		Message:   err.Error(),
		Timestamp: now,
	})
}

// ErrorSummary はエラー一覧を1行にまとめます
func (r *JobRun) ErrorSummary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
