package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/internal/core/ledger"
)

// BudgetReportAction は予算レポートを表示するコマンドのアクション
func BudgetReportAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	asJSON := cmd.Bool("json")
	jobID := cmd.String("job-id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	costLedger := appCtx.Container.Ledger

	if jobID != "" {
		details := costLedger.JobDetails(jobID)
		if details.IsAbsent() {
			return fmt.Errorf("ジョブ %s のコスト記録はありません", jobID)
		}
		if asJSON {
			return writeJSON(os.Stdout, details.MustGet())
		}
		printJobDetails(os.Stdout, details.MustGet())
		return nil
	}

	report := costLedger.Report()
	if asJSON {
		return writeJSON(os.Stdout, report)
	}
	printReport(os.Stdout, report)
	return nil
}

// BudgetResetAction はコスト台帳を初期化するコマンドのアクション
func BudgetResetAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	if !cmd.Bool("yes") {
		confirm := promptui.Prompt{
			Label:     "コスト台帳を初期化します。よろしいですか",
			IsConfirm: true,
		}
		if _, err := confirm.Run(); err != nil {
			return errors.New("コスト台帳の初期化を中止しました")
		}
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	before := appCtx.Container.Ledger.Total()
	if err := appCtx.Container.Ledger.Reset(ctx); err != nil {
		return fmt.Errorf("コスト台帳の初期化に失敗: %w", err)
	}

	appCtx.Logger().Warn("コスト台帳を初期化", "previousTotal", before)
	fmt.Printf("✓ コスト台帳を初期化しました（初期化前の累計: $%.4f）\n", before)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport は予算レポートをテーブル形式で表示します
func printReport(w io.Writer, r ledger.Report) {
	summary := tablewriter.NewWriter(w)
	summary.Header("項目", "値")
	summary.Append("累計コスト", fmt.Sprintf("$%.4f", r.TotalCost))
	summary.Append("予算上限", fmt.Sprintf("$%.4f", r.BudgetCap))
	summary.Append("残り予算", fmt.Sprintf("$%.4f", r.RemainingBudget))
	summary.Append("消化率", fmt.Sprintf("%.1f%%", r.BudgetUtilizationPct))
	summary.Append("ジョブ数", fmt.Sprintf("%d", r.JobCount))
	summary.Render()

	byCategory := tablewriter.NewWriter(w)
	byCategory.Header("カテゴリ", "コスト", "割合")
	for _, c := range ledger.Categories() {
		byCategory.Append(string(c), fmt.Sprintf("$%.4f", r.OperationsCost[c]), fmt.Sprintf("%.1f%%", r.OperationsPct[c]))
	}
	byCategory.Render()
}

func printJobDetails(w io.Writer, d ledger.JobDetails) {
	fmt.Fprintf(w, "ジョブ:   %s\n", d.JobID)
	fmt.Fprintf(w, "合計:     $%.4f\n", d.Total)
	fmt.Fprintf(w, "開始:     %s\n", d.StartedAt.Format("2006-01-02 15:04:05"))

	categories := make([]string, 0, len(d.ByCategory))
	for c := range d.ByCategory {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(w, "  %-14s $%.4f\n", c, d.ByCategory[ledger.Category(c)])
	}
}
