package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

const (
	// DefaultPollInterval は判定の確認間隔
	DefaultPollInterval = 5 * time.Second
	// DefaultTimeout は判定を待つ上限
	DefaultTimeout = 24 * time.Hour
	// expiredDecider は期限切れ時に記録する判定者名
	expiredDecider = "system:timeout"
)

// Gate は承認依頼を保存し、判定が記録されるまで待機する ApprovalGate
type Gate struct {
	repo         Repository
	notifier     Notifier
	pollInterval time.Duration
	timeout      time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type gateOptions struct {
	pollInterval time.Duration
	timeout      time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// GateOption は Gate のオプション設定
type GateOption func(*gateOptions)

// WithGatePollInterval は判定の確認間隔を設定します
func WithGatePollInterval(d time.Duration) GateOption {
	return func(o *gateOptions) {
		o.pollInterval = d
	}
}

// WithGateTimeout は判定を待つ上限を設定します
func WithGateTimeout(d time.Duration) GateOption {
	return func(o *gateOptions) {
		o.timeout = d
	}
}

// WithGateClock は時刻の取得元を差し替えます
func WithGateClock(now func() time.Time) GateOption {
	return func(o *gateOptions) {
		o.now = now
	}
}

// WithGateLogger はロガーを設定します
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(o *gateOptions) {
		o.logger = logger
	}
}

// NewGate は新しいGateを作成します
func NewGate(repo Repository, notifier Notifier, opts ...GateOption) *Gate {
	options := gateOptions{
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Gate{
		repo:         repo,
		notifier:     notifier,
		pollInterval: options.pollInterval,
		timeout:      options.timeout,
		now:          options.now,
		logger:       options.logger,
	}
}

// RequestApproval は依頼を記録して判定を待ちます
// 同じジョブの未判定の依頼が既にあれば、新規作成せずにその判定を待ちます
func (g *Gate) RequestApproval(ctx context.Context, in coordinator.ApprovalRequest) (coordinator.ApprovalDecision, error) {
	req, err := g.openRequest(ctx, in)
	if err != nil {
		return coordinator.ApprovalDecision{}, err
	}

	deadline := req.RequestedAt.Add(g.timeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		current, err := g.repo.Get(ctx, req.ID)
		if err != nil {
			return coordinator.ApprovalDecision{}, fmt.Errorf("承認依頼の取得に失敗: %w", err)
		}
		if current.IsAbsent() {
			return coordinator.ApprovalDecision{}, fmt.Errorf("%w: %s", ErrNotFound, req.ID)
		}
		if decided := current.MustGet(); decided.Status.Decided() {
			return toDecision(decided), nil
		}

		if !g.now().Before(deadline) {
			return g.expire(ctx, req)
		}

		select {
		case <-ctx.Done():
			return coordinator.ApprovalDecision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gate) openRequest(ctx context.Context, in coordinator.ApprovalRequest) (*Request, error) {
	existing, err := g.repo.FindPendingByJob(ctx, in.JobID)
	if err != nil {
		return nil, fmt.Errorf("承認依頼の検索に失敗: %w", err)
	}
	if existing.IsPresent() {
		req := existing.MustGet()
		g.logger.Info("既存の承認依頼の判定を待機", "approvalID", req.ID, "jobID", in.JobID)
		return req, nil
	}

	conditions := make([]string, len(in.Conditions))
	for i, c := range in.Conditions {
		conditions[i] = string(c)
	}
	payload, err := json.Marshal(in.Job)
	if err != nil {
		return nil, fmt.Errorf("ジョブのエンコードに失敗: %w", err)
	}

	req := &Request{
		ID:          uuid.New(),
		JobID:       in.JobID,
		TenantID:    in.TenantID,
		Reason:      in.Reason,
		Conditions:  conditions,
		BudgetUsed:  in.BudgetUsed,
		Payload:     payload,
		Status:      StatusPending,
		RequestedAt: g.now(),
	}
	if err := g.repo.Create(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicatePending) {
			// 別のワーカーが先に作成した依頼を待つ
			raced, findErr := g.repo.FindPendingByJob(ctx, in.JobID)
			if findErr == nil && raced.IsPresent() {
				return raced.MustGet(), nil
			}
		}
		return nil, fmt.Errorf("承認依頼の作成に失敗: %w", err)
	}

	g.logger.Info("承認依頼を作成", "approvalID", req.ID, "jobID", req.JobID, "reason", req.Reason)

	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, req); err != nil {
			// 通知に失敗しても依頼自体は CLI から判定できる
			g.logger.Error("承認依頼の通知に失敗", "approvalID", req.ID, "error", err)
		}
	}

	return req, nil
}

func (g *Gate) expire(ctx context.Context, req *Request) (coordinator.ApprovalDecision, error) {
	decided, err := g.repo.Decide(ctx, req.ID, Decision{
		Status:  StatusExpired,
		Decider: expiredDecider,
		Note:    fmt.Sprintf("no decision within %s", g.timeout),
		At:      g.now(),
	})
	if errors.Is(err, ErrAlreadyDecided) {
		// 期限直前に判定された
		current, getErr := g.repo.Get(ctx, req.ID)
		if getErr != nil {
			return coordinator.ApprovalDecision{}, fmt.Errorf("承認依頼の取得に失敗: %w", getErr)
		}
		if current.IsPresent() {
			return toDecision(current.MustGet()), nil
		}
		return coordinator.ApprovalDecision{}, fmt.Errorf("%w: %s", ErrNotFound, req.ID)
	}
	if err != nil {
		return coordinator.ApprovalDecision{}, fmt.Errorf("承認依頼の期限切れ処理に失敗: %w", err)
	}

	g.logger.Warn("承認依頼が期限切れ", "approvalID", req.ID, "jobID", req.JobID)
	return toDecision(decided), nil
}

func toDecision(req *Request) coordinator.ApprovalDecision {
	note := req.Note
	if req.Status == StatusExpired && note == "" {
		note = "expired"
	}
	return coordinator.ApprovalDecision{
		Approved: req.Status == StatusApproved,
		Decider:  req.Decider,
		Note:     note,
	}
}

// AutoApprover はすべての依頼を即時に承認する ApprovalGate
// 開発環境や、承認を外部で済ませている運用向け
type AutoApprover struct {
	logger *slog.Logger
}

// NewAutoApprover は新しいAutoApproverを作成します
func NewAutoApprover(logger *slog.Logger) *AutoApprover {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoApprover{logger: logger}
}

func (a *AutoApprover) RequestApproval(_ context.Context, in coordinator.ApprovalRequest) (coordinator.ApprovalDecision, error) {
	a.logger.Warn("承認を自動で許可", "jobID", in.JobID, "reason", in.Reason)
	return coordinator.ApprovalDecision{Approved: true, Decider: "auto"}, nil
}

// インターフェース実装の確認
var (
	_ coordinator.ApprovalGate = (*Gate)(nil)
	_ coordinator.ApprovalGate = (*AutoApprover)(nil)
)
