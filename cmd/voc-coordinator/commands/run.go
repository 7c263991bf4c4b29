package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// RunAction はジョブキューの処理を開始するコマンドのアクション
func RunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	once := cmd.Bool("once")
	idleExit := cmd.Bool("idle-exit")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()

	coord, err := appCtx.Container.NewCoordinator(ctx, coordinator.WithStopWhenIdle(idleExit))
	if err != nil {
		return fmt.Errorf("コーディネーターの初期化に失敗: %w", err)
	}

	if reportJob := appCtx.Container.NewReportJob(); reportJob != nil {
		if err := reportJob.Start(); err != nil {
			return fmt.Errorf("予算レポートジョブの起動に失敗: %w", err)
		}
		defer reportJob.Stop()
	}

	logger.Info("ジョブ処理を開始",
		"tenantID", appCtx.Config.Tenant.ID,
		"once", once,
		"idleExit", idleExit)

	if once {
		run, err := coord.ProcessNext(ctx)
		if err != nil {
			return err
		}
		fmt.Println(describeRun(run))
		return nil
	}

	stopReaper, err := appCtx.Container.StartReaper(ctx, appCtx.Config.Queue.ReapInterval)
	if err != nil {
		return fmt.Errorf("ジョブ回収の起動に失敗: %w", err)
	}
	defer stopReaper()

	err = coord.Run(ctx)
	stats := coord.Stats()
	logger.Info("ジョブ処理を終了",
		"received", stats.Received,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"malformed", stats.Malformed,
		"deadLettered", stats.DeadLettered,
		"abandoned", stats.Abandoned,
		"totalCost", appCtx.Container.Ledger.Total())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// describeRun は1件の処理結果を1行にまとめます
func describeRun(run *coordinator.JobRun) string {
	if run == nil {
		return "no job processed"
	}
	if run.Status == coordinator.StatusNoJobs {
		return "no jobs available"
	}
	line := fmt.Sprintf("job %s: %s (cost $%.4f)", run.Job.ID, run.Status, run.BudgetUsed)
	if run.HasErrors() {
		line += ": " + run.ErrorSummary()
	}
	return line
}
