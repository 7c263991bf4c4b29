package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Notifier は承認依頼の発生を担当者へ知らせます
type Notifier interface {
	Notify(ctx context.Context, req *Request) error
}

// LogNotifier はログに依頼を出力する Notifier
type LogNotifier struct {
	target string
	logger *slog.Logger
}

// NewLogNotifier は新しいLogNotifierを作成します
// target は通知先の表示用（メールアドレスなど）
func NewLogNotifier(target string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{target: target, logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, req *Request) error {
	n.logger.Warn("人による承認が必要です",
		"approvalID", req.ID,
		"jobID", req.JobID,
		"reason", req.Reason,
		"budgetUsed", req.BudgetUsed,
		"notify", n.target)
	return nil
}

// FileNotifier はファイルに依頼を追記する Notifier
type FileNotifier struct {
	FilePath string
}

// NewFileNotifier は新しいFileNotifierを作成します
func NewFileNotifier(filePath string) *FileNotifier {
	return &FileNotifier{FilePath: filePath}
}

func (n *FileNotifier) Notify(_ context.Context, req *Request) error {
	var sb strings.Builder
	sb.WriteString("========================================\n")
	sb.WriteString("承認依頼\n")
	sb.WriteString(fmt.Sprintf("受付日時: %s\n", req.RequestedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("承認ID: %s\n", req.ID))
	sb.WriteString(fmt.Sprintf("ジョブID: %s\n", req.JobID))
	sb.WriteString(fmt.Sprintf("テナント: %s\n", req.TenantID))
	sb.WriteString(fmt.Sprintf("理由: %s\n", req.Reason))
	sb.WriteString(fmt.Sprintf("使用額: %.4f\n", req.BudgetUsed))
	sb.WriteString("========================================\n")

	f, err := os.OpenFile(n.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("ファイルを開けませんでした: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("ファイルへの書き込みに失敗: %w", err)
	}
	return nil
}

// WebhookNotifier は依頼を JSON で HTTP POST する Notifier
type WebhookNotifier struct {
	URL    string
	client *http.Client
}

// NewWebhookNotifier は新しいWebhookNotifierを作成します
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{URL: url, client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("承認依頼のエンコードに失敗: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier は複数の Notifier に通知します
type MultiNotifier struct {
	Notifiers []Notifier
}

// NewMultiNotifier は新しいMultiNotifierを作成します
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{Notifiers: notifiers}
}

func (n *MultiNotifier) Notify(ctx context.Context, req *Request) error {
	var errs []string
	for _, notifier := range n.Notifiers {
		if err := notifier.Notify(ctx, req); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("一部の通知に失敗しました: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NotifierForTarget は通知先の書式から Notifier を選びます
// http(s):// は webhook、file: はファイル追記、それ以外はログ出力のみ
func NotifierForTarget(target string, logger *slog.Logger) Notifier {
	logNotifier := NewLogNotifier(target, logger)

	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return NewMultiNotifier(logNotifier, NewWebhookNotifier(target, nil))
	case strings.HasPrefix(target, "file:"):
		return NewMultiNotifier(logNotifier, NewFileNotifier(strings.TrimPrefix(target, "file:")))
	default:
		return logNotifier
	}
}

// インターフェース実装の確認
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*FileNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*MultiNotifier)(nil)
)
