package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/cmd/voc-coordinator/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "voc-coordinator",
		Usage: "VOC 収集ジョブのコーディネーター（取得・解析・グラフ更新・イベント発行）",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "ジョブキューの処理を開始",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "once",
						Usage: "ジョブを1件だけ処理して終了",
					},
					&cli.BoolFlag{
						Name:  "idle-exit",
						Usage: "処理待ちのジョブが無くなったら終了",
					},
				},
				Action: commands.RunAction,
			},
			{
				Name:  "job",
				Usage: "ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "submit",
						Usage: "ジョブを scrape.jobs に発行",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "file",
								Usage: "ジョブJSONファイルパス（指定時は他のフラグを無視）",
							},
							&cli.StringFlag{
								Name:  "id",
								Usage: "ジョブID（省略時は自動採番）",
							},
							&cli.StringFlag{
								Name:  "url",
								Usage: "取得対象URL",
							},
							&cli.StringFlag{
								Name:  "keywords",
								Usage: "検索キーワード（カンマ区切り）",
							},
							&cli.StringFlag{
								Name:  "source-type",
								Usage: "ソース種別（web, serp, seo, domain_analysis など）",
							},
							&cli.StringFlag{
								Name:  "priority",
								Usage: "優先度（low, medium, high, critical）",
								Value: "medium",
							},
							&cli.BoolFlag{
								Name:  "verified",
								Usage: "ドメイン確認済みとして発行",
							},
						},
						Action: commands.JobSubmitAction,
					},
				},
			},
			{
				Name:  "budget",
				Usage: "予算管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "report",
						Usage: "予算レポートを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
							&cli.StringFlag{
								Name:  "job-id",
								Usage: "指定したジョブのコスト内訳を表示",
							},
						},
						Action: commands.BudgetReportAction,
					},
					{
						Name:  "reset",
						Usage: "コスト台帳を初期化",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "yes",
								Usage: "確認プロンプトを省略して初期化",
							},
						},
						Action: commands.BudgetResetAction,
					},
				},
			},
			{
				Name:  "approval",
				Usage: "承認依頼の管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "未判定の承認依頼を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.ApprovalListAction,
					},
					{
						Name:  "approve",
						Usage: "承認依頼を承認",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "job-id",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "note",
								Usage: "判定メモ",
							},
							&cli.StringFlag{
								Name:  "decider",
								Usage: "判定者（省略時はOSユーザー名）",
							},
						},
						Action: commands.ApprovalApproveAction,
					},
					{
						Name:  "deny",
						Usage: "承認依頼を却下",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "job-id",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.StringFlag{
								Name:    "note",
								Aliases: []string{"reason"},
								Usage:   "却下理由",
							},
							&cli.StringFlag{
								Name:  "decider",
								Usage: "判定者（省略時はOSユーザー名）",
							},
						},
						Action: commands.ApprovalDenyAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "migrate",
						Usage: "スキーマを適用",
						Flags: []cli.Flag{
							envFlag(),
						},
						Action: commands.DBMigrateAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
