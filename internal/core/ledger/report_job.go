package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ReportJob は予算レポートを定期的にログへ出力するジョブ
type ReportJob struct {
	schedule string
	ledger   *Ledger
	sync     bool
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewReportJob は新しいReportJobを作成します
// sync が true の場合、出力前に共有 journal から集計を取り込みます
func NewReportJob(schedule string, ledger *Ledger, sync bool, logger *slog.Logger) *ReportJob {
	if logger == nil {
		logger = slog.Default()
	}

	return &ReportJob{
		schedule: schedule,
		ledger:   ledger,
		sync:     sync,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start はスケジューラーを起動します
func (j *ReportJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.Run(context.Background()); err != nil {
			j.logger.Error("予算レポートの出力に失敗", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron ジョブの登録に失敗: %w", err)
	}

	j.cron.Start()
	j.logger.Info("予算レポートジョブを開始", "schedule", j.schedule)

	return nil
}

// Stop はスケジューラーを停止し、実行中のジョブの完了を待ちます
func (j *ReportJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("予算レポートジョブを停止")
}

// Run はレポートを1回出力します
func (j *ReportJob) Run(ctx context.Context) error {
	if j.sync {
		if err := j.ledger.Sync(ctx); err != nil {
			return err
		}
	}

	report := j.ledger.Report()
	j.logger.Info("予算レポート",
		"totalCost", report.TotalCost,
		"budgetCap", report.BudgetCap,
		"remainingBudget", report.RemainingBudget,
		"utilizationPct", report.BudgetUtilizationPct,
		"jobCount", report.JobCount,
		"operationsCost", report.OperationsCost)

	return nil
}
