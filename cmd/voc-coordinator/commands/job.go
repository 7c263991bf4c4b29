package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// JobSubmitAction はジョブを scrape.jobs に発行するコマンドのアクション
func JobSubmitAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	decoder, err := coordinator.NewJobDecoder()
	if err != nil {
		return err
	}

	job, err := buildJob(decoder, jobFlags{
		file:       cmd.String("file"),
		id:         cmd.String("id"),
		url:        cmd.String("url"),
		keywords:   cmd.String("keywords"),
		sourceType: cmd.String("source-type"),
		priority:   cmd.String("priority"),
		verified:   cmd.Bool("verified"),
	})
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.SubmitJob(ctx, job); err != nil {
		return err
	}

	appCtx.Logger().Info("ジョブを発行", "jobID", job.ID, "sourceType", job.SourceType)
	fmt.Printf("✓ ジョブを発行しました: %s\n", job.ID)
	return nil
}

type jobFlags struct {
	file       string
	id         string
	url        string
	keywords   string
	sourceType string
	priority   string
	verified   bool
}

// buildJob はファイルまたはフラグからジョブを組み立て、受信側と同じスキーマで検証します
func buildJob(decoder *coordinator.JobDecoder, f jobFlags) (coordinator.Job, error) {
	var body []byte
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return coordinator.Job{}, fmt.Errorf("ジョブファイルの読み込みに失敗: %w", err)
		}
		body = data
	} else {
		if f.url == "" && f.keywords == "" {
			return coordinator.Job{}, errors.New("--file, --url または --keywords のいずれかを指定してください")
		}
		job := coordinator.Job{
			ID:             f.id,
			SourceType:     coordinator.SourceType(f.sourceType),
			URL:            f.url,
			Keywords:       splitKeywords(f.keywords),
			Priority:       coordinator.Priority(f.priority),
			DomainVerified: f.verified,
		}
		encoded, err := coordinator.EncodeJob(job)
		if err != nil {
			return coordinator.Job{}, fmt.Errorf("ジョブのエンコードに失敗: %w", err)
		}
		body = encoded
	}

	job, err := decoder.Decode(body)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("ジョブの検証に失敗: %w", err)
	}
	return job, nil
}

func splitKeywords(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
