package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/internal/core/approval"
)

// ApprovalListAction は未判定の承認依頼を表示するコマンドのアクション
func ApprovalListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	reqs, err := appCtx.Container.Approvals.ListPending(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return writeJSON(os.Stdout, reqs)
	}
	printApprovals(os.Stdout, reqs)
	return nil
}

// ApprovalApproveAction はジョブの承認依頼を承認するコマンドのアクション
func ApprovalApproveAction(ctx context.Context, cmd *cli.Command) error {
	return decideApproval(ctx, cmd, true)
}

// ApprovalDenyAction はジョブの承認依頼を却下するコマンドのアクション
func ApprovalDenyAction(ctx context.Context, cmd *cli.Command) error {
	return decideApproval(ctx, cmd, false)
}

func decideApproval(ctx context.Context, cmd *cli.Command, approve bool) error {
	envFile := cmd.String("env")
	jobID := cmd.String("job-id")
	note := cmd.String("note")
	decider := cmd.String("decider")
	if decider == "" {
		decider = currentUser()
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var req *approval.Request
	if approve {
		req, err = appCtx.Container.Approvals.Approve(ctx, jobID, decider, note)
	} else {
		req, err = appCtx.Container.Approvals.Deny(ctx, jobID, decider, note)
	}
	if err != nil {
		return err
	}

	appCtx.Logger().Info("承認依頼を判定", "approvalID", req.ID, "jobID", req.JobID, "status", req.Status, "decider", decider)
	fmt.Printf("✓ ジョブ %s を %s にしました\n", req.JobID, req.Status)
	return nil
}

// printApprovals は承認依頼をテーブル形式で表示します
func printApprovals(w io.Writer, reqs []*approval.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "未判定の承認依頼はありません")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Reason", "Conditions", "Budget Used", "Requested At")
	for _, r := range reqs {
		table.Append(
			r.JobID,
			r.Reason,
			strings.Join(r.Conditions, ", "),
			fmt.Sprintf("$%.4f", r.BudgetUsed),
			r.RequestedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
