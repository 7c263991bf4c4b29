package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/voc-coordinator/internal/core/ledger"
)

// CostLedger は Coordinator が利用するコスト台帳
type CostLedger interface {
	AddCost(ctx context.Context, jobID string, category ledger.Category, amount float64) (float64, error)
	Total() float64
	Cap() float64
}

// ledgerSyncer は共有台帳から集計を取り込める CostLedger
type ledgerSyncer interface {
	Sync(ctx context.Context) error
}

// Stages は3つのステージ実装をまとめたもの
type Stages struct {
	Acquisition AcquisitionGateway
	Enrichment  EnrichmentGateway
	Graph       GraphGateway
}

// Config は Coordinator の動作設定
type Config struct {
	TenantID              string
	RequireVerifiedDomain bool
	ReceiveTimeout        time.Duration
	// IdleBackoff は受信エラー後に待つ時間
	IdleBackoff time.Duration
}

// DefaultConfig はデフォルト設定を返します
func DefaultConfig() Config {
	return Config{
		TenantID:              "default",
		RequireVerifiedDomain: true,
		ReceiveTimeout:        5 * time.Second,
		IdleBackoff:           time.Second,
	}
}

// DefaultLeaseInterval は処理中メッセージの受信権を延長する間隔です
const DefaultLeaseInterval = time.Minute

// Stats は処理件数の集計
type Stats struct {
	Received     int
	Completed    int
	Failed       int
	Malformed    int
	DeadLettered int
	Abandoned    int
}

// Coordinator はジョブキューを消費し、ジョブごとに状態機械を駆動します
type Coordinator struct {
	consumer Consumer
	decoder  *JobDecoder
	ledger   CostLedger
	gate     ApprovalGate
	stages   Stages
	emitter  Emitter
	cfg      Config

	retry           RetryPolicy
	stagePublisher  Publisher
	deadLetter      Publisher
	poisonThreshold int
	syncLedger      bool
	stopWhenIdle    bool
	leaseInterval   time.Duration
	now             func() time.Time
	logger          *slog.Logger

	mu    sync.RWMutex
	stats Stats
}

type coordinatorOptions struct {
	retry           RetryPolicy
	stagePublisher  Publisher
	deadLetter      Publisher
	poisonThreshold int
	syncLedger      bool
	stopWhenIdle    bool
	leaseInterval   time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// CoordinatorOption は Coordinator のオプション設定
type CoordinatorOption func(*coordinatorOptions)

// WithCoordinatorLogger はロガーを設定します
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}

// WithRetryPolicy はステージ呼び出しの再試行方針を設定します
func WithRetryPolicy(policy RetryPolicy) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.retry = policy
	}
}

// WithStagePublisher は中間結果を scrape.results / tag.complete へ送る Publisher を設定します
func WithStagePublisher(publisher Publisher) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.stagePublisher = publisher
	}
}

// WithDeadLetter は配送回数が threshold を超えたメッセージの退避先を設定します
func WithDeadLetter(publisher Publisher, threshold int) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.deadLetter = publisher
		o.poisonThreshold = threshold
	}
}

// WithLedgerSync は停止条件の評価前に共有台帳を取り込みます
func WithLedgerSync(enabled bool) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.syncLedger = enabled
	}
}

// WithStopWhenIdle はジョブが無くなった時点で Run を終了させます
func WithStopWhenIdle(enabled bool) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.stopWhenIdle = enabled
	}
}

// WithLeaseInterval は処理中メッセージの受信権を延長する間隔を設定します。
// Consumer が Extender を実装している場合のみ使われ、0 以下で延長しません
func WithLeaseInterval(d time.Duration) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.leaseInterval = d
	}
}

// WithCoordinatorClock は時刻の取得元を差し替えます
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.now = now
	}
}

// New は新しいCoordinatorを作成します
func New(
	consumer Consumer,
	decoder *JobDecoder,
	costLedger CostLedger,
	gate ApprovalGate,
	stages Stages,
	emitter Emitter,
	cfg Config,
	opts ...CoordinatorOption,
) *Coordinator {
	options := coordinatorOptions{
		retry:         NoRetry{},
		leaseInterval: DefaultLeaseInterval,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultConfig().ReceiveTimeout
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultConfig().IdleBackoff
	}

	return &Coordinator{
		consumer:        consumer,
		decoder:         decoder,
		ledger:          costLedger,
		gate:            gate,
		stages:          stages,
		emitter:         emitter,
		cfg:             cfg,
		retry:           options.retry,
		stagePublisher:  options.stagePublisher,
		deadLetter:      options.deadLetter,
		poisonThreshold: options.poisonThreshold,
		syncLedger:      options.syncLedger,
		stopWhenIdle:    options.stopWhenIdle,
		leaseInterval:   options.leaseInterval,
		now:             options.now,
		logger:          options.logger,
	}
}

// Stats は処理件数のスナップショットを返します
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Coordinator) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Run は ctx が終了するまでジョブを処理し続けます
// 個々のジョブの失敗はループの外へ伝播しません
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("コーディネーターを開始", "tenantID", c.cfg.TenantID)

	for {
		if ctx.Err() != nil {
			c.logger.Info("コーディネーターを停止")
			return nil
		}

		run, err := c.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("コーディネーターを停止")
				return nil
			}
			c.logger.Error("ジョブ処理ループでエラーが発生", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.IdleBackoff):
			}
			continue
		}

		if run != nil && run.Status == StatusNoJobs && c.stopWhenIdle {
			c.logger.Info("処理待ちのジョブが無いため終了")
			return nil
		}
	}
}

// ProcessNext はジョブを1件受信し、終端状態まで処理します
// ジョブが無い場合は no_jobs の JobRun を返します。破棄・退避されたメッセージでは nil を返します
func (c *Coordinator) ProcessNext(ctx context.Context) (*JobRun, error) {
	received, err := c.consumer.Receive(ctx, c.cfg.ReceiveTimeout)
	if err != nil {
		return nil, fmt.Errorf("ジョブの受信に失敗: %w", err)
	}
	if received.IsAbsent() {
		c.logger.Debug("処理待ちのジョブはありません")
		return &JobRun{Status: StatusNoJobs, StartedAt: c.now()}, nil
	}
	delivery := received.MustGet()
	c.count(func(s *Stats) { s.Received++ })

	if c.deadLetter != nil && c.poisonThreshold > 0 && delivery.Attempt > c.poisonThreshold {
		return nil, c.moveToDeadLetter(ctx, delivery)
	}

	job, err := c.decoder.Decode(delivery.Body)
	if err != nil {
		c.count(func(s *Stats) { s.Malformed++ })
		c.logger.Warn("不正なジョブメッセージを破棄",
			"messageID", delivery.ID,
			"error", err)
		if ackErr := c.consumer.Ack(ctx, delivery); ackErr != nil {
			return nil, fmt.Errorf("不正メッセージの確認応答に失敗: %w", ackErr)
		}
		return nil, nil
	}

	run := NewJobRun(job, c.now())
	run.Status = StatusJobReceived

	c.logger.Info("ジョブを受信",
		"jobID", job.ID,
		"sourceType", job.SourceType,
		"priority", job.Priority,
		"priorityRank", priorityRank(job.Priority),
		"attempt", delivery.Attempt)

	release := c.holdLease(ctx, delivery)
	err = c.Drive(ctx, run)
	release()

	if err != nil {
		c.count(func(s *Stats) { s.Abandoned++ })
		c.logger.Warn("ジョブを中断（確認応答せず再配送を待つ）", "jobID", job.ID, "status", run.Status, "error", err)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if nackErr := c.consumer.Nack(releaseCtx, delivery); nackErr != nil {
			c.logger.Warn("メッセージの解放に失敗", "jobID", job.ID, "error", nackErr)
		}
		return run, err
	}

	if err := c.consumer.Ack(ctx, delivery); err != nil {
		return run, fmt.Errorf("ジョブの確認応答に失敗: %w", err)
	}

	return run, nil
}

// holdLease は処理が終わるまで一定間隔でメッセージの受信権を延長します。
// 返された関数は延長を止め、実行中の延長が終わるまで待ちます
func (c *Coordinator) holdLease(ctx context.Context, d *Delivery) func() {
	extender, ok := c.consumer.(Extender)
	if !ok || c.leaseInterval <= 0 {
		return func() {}
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := extender.Extend(leaseCtx, d); err != nil && leaseCtx.Err() == nil {
					c.logger.Warn("メッセージの受信権の延長に失敗", "messageID", d.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Drive は JobRun を終端状態まで進めます
// 戻り値のエラーは ctx の終了による中断のみを表します
func (c *Coordinator) Drive(ctx context.Context, run *JobRun) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		action := Next(run)
		c.logger.Debug("状態遷移", "jobID", run.Job.ID, "status", run.Status, "action", action.String())

		var err error
		switch action {
		case ActionEvaluate:
			c.evaluate(ctx, run)
		case ActionRequestApproval:
			err = c.requestApproval(ctx, run)
		case ActionAcquire:
			err = c.acquire(ctx, run)
		case ActionEnrich:
			err = c.enrich(ctx, run)
		case ActionUpdateGraph:
			err = c.updateGraph(ctx, run)
		case ActionEmit:
			err = c.emit(ctx, run)
		case ActionFail:
			c.fail(run)
		case ActionDequeue, ActionHalt:
			return nil
		default:
			run.addError(StageRouter, fmt.Errorf("unknown action %d", action), c.now())
		}
		if err != nil {
			return err
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, run *JobRun) {
	run.Status = StatusCheckingStops

	if c.syncLedger {
		if syncer, ok := c.ledger.(ledgerSyncer); ok {
			if err := syncer.Sync(ctx); err != nil {
				c.logger.Warn("共有台帳の取り込みに失敗", "jobID", run.Job.ID, "error", err)
			}
		}
	}

	conditions := EvaluateStopConditions(StopInput{
		BudgetUsed:            run.BudgetUsed,
		LedgerTotal:           c.ledger.Total(),
		Cap:                   c.ledger.Cap(),
		DomainVerified:        run.Job.DomainVerified,
		RequireVerifiedDomain: c.cfg.RequireVerifiedDomain,
	})

	run.StopConditions = conditions
	run.ApprovalRequired = len(conditions) > 0
	run.ApprovalReason = ApprovalReason(conditions)

	if run.ApprovalRequired {
		c.logger.Info("停止条件を検出", "jobID", run.Job.ID, "reason", run.ApprovalReason)
		run.Status = StatusAwaitingApproval
		return
	}
	run.Status = StatusApproved
}

func (c *Coordinator) requestApproval(ctx context.Context, run *JobRun) error {
	req := ApprovalRequest{
		JobID:      run.Job.ID,
		TenantID:   c.cfg.TenantID,
		Reason:     run.ApprovalReason,
		Conditions: run.StopConditions,
		BudgetUsed: run.BudgetUsed,
		Job:        run.Job,
	}

	var decision ApprovalDecision
	err := safeCall(func() error {
		d, err := c.gate.RequestApproval(ctx, req)
		decision = d
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.addError(StageApproval, err, c.now())
		return nil
	}

	if !decision.Approved {
		run.addError(StageApproval, fmt.Errorf("%w: %s", ErrApprovalDenied, describeDecision(decision, run.ApprovalReason)), c.now())
		return nil
	}

	c.logger.Info("承認を取得", "jobID", run.Job.ID, "decider", decision.Decider)
	run.ApprovalRequired = false
	run.Status = StatusApproved
	return nil
}

func describeDecision(d ApprovalDecision, reason string) string {
	msg := reason
	if d.Decider != "" {
		msg += " by " + d.Decider
	}
	if d.Note != "" {
		msg += ": " + d.Note
	}
	return msg
}

func (c *Coordinator) acquire(ctx context.Context, run *JobRun) error {
	var (
		result *AcquisitionResult
		cost   float64
	)
	if err := c.invoke(ctx, run, StageAcquisition, func() error {
		if !run.Job.HasTarget() {
			return ErrNoTarget
		}
		r, cst, err := c.stages.Acquisition.Acquire(ctx, run.Job)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: acquisition returned no result", ErrEmptyContent)
		}
		result, cost = r, cst
		return nil
	}); err != nil || run.HasErrors() {
		return err
	}

	if err := c.recordCost(ctx, run, ledger.CategoryAcquisition, cost); err != nil {
		run.addError(StageAcquisition, err, c.now())
		return nil
	}
	run.Acquisition = result

	if err := c.publishStage(ctx, TopicScrapeResults, StageMessage{
		JobID:       run.Job.ID,
		TenantID:    c.cfg.TenantID,
		SourceType:  run.Job.SourceType,
		Status:      string(StatusScrapingCompleted),
		Acquisition: result,
	}); err != nil {
		run.addError(StageAcquisition, err, c.now())
		return nil
	}

	run.Status = StatusScrapingCompleted
	return nil
}

func (c *Coordinator) enrich(ctx context.Context, run *JobRun) error {
	var (
		result *EnrichmentResult
		cost   float64
	)
	if err := c.invoke(ctx, run, StageEnrichment, func() error {
		if run.Acquisition == nil {
			return fmt.Errorf("%w: enrichment requires acquisition", ErrOutOfOrder)
		}
		if run.Acquisition.Content == "" {
			return ErrEmptyContent
		}
		r, cst, err := c.stages.Enrichment.Enrich(ctx, run.Job, run.Acquisition)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("enrichment returned no result")
		}
		result, cost = r, cst
		return nil
	}); err != nil || run.HasErrors() {
		return err
	}

	if err := c.recordCost(ctx, run, ledger.CategoryEnrichment, cost); err != nil {
		run.addError(StageEnrichment, err, c.now())
		return nil
	}
	run.Enrichment = result

	if err := c.publishStage(ctx, TopicTagComplete, StageMessage{
		JobID:      run.Job.ID,
		TenantID:   result.TenantID,
		DocID:      result.DocID.String(),
		SourceType: run.Job.SourceType,
		Sentiment:  result.Sentiment,
		Topics:     result.Topics,
		Urgency:    result.Urgency,
		Status:     string(StatusTaggingCompleted),
	}); err != nil {
		run.addError(StageEnrichment, err, c.now())
		return nil
	}

	run.Status = StatusTaggingCompleted
	return nil
}

func (c *Coordinator) updateGraph(ctx context.Context, run *JobRun) error {
	var (
		result *GraphResult
		cost   float64
	)
	if err := c.invoke(ctx, run, StageGraphUpdate, func() error {
		if run.Enrichment == nil {
			return fmt.Errorf("%w: graph update requires enrichment", ErrOutOfOrder)
		}
		if len(run.Enrichment.Entities) == 0 {
			return ErrNoTaggableEntities
		}
		r, cst, err := c.stages.Graph.UpdateGraph(ctx, run.Job, run.Enrichment)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("graph update returned no result")
		}
		result, cost = r, cst
		return nil
	}); err != nil || run.HasErrors() {
		return err
	}

	if err := c.recordCost(ctx, run, ledger.CategoryGraphUpdate, cost); err != nil {
		run.addError(StageGraphUpdate, err, c.now())
		return nil
	}
	run.Graph = result
	run.Status = StatusGraphCompleted
	return nil
}

func (c *Coordinator) emit(ctx context.Context, run *JobRun) error {
	if err := c.invoke(ctx, run, StageEmit, func() error {
		if run.Enrichment == nil || run.Graph == nil {
			return fmt.Errorf("%w: emit requires enrichment and graph results", ErrOutOfOrder)
		}
		return c.emitter.Emit(ctx, run.Job.ID, run.Enrichment, run.Graph)
	}); err != nil || run.HasErrors() {
		return err
	}

	run.Status = StatusCompleted
	run.FinishedAt = c.now()
	c.count(func(s *Stats) { s.Completed++ })

	c.logger.Info("ジョブが完了",
		"jobID", run.Job.ID,
		"docID", run.Enrichment.DocID,
		"edgesCreated", run.Graph.EdgesCreated,
		"budgetUsed", run.BudgetUsed,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	return nil
}

func (c *Coordinator) fail(run *JobRun) {
	if !run.Status.Valid() {
		run.addError(StageRouter, fmt.Errorf("unknown status %q", run.Status), c.now())
	}
	run.Status = StatusFailed
	run.FinishedAt = c.now()
	c.count(func(s *Stats) { s.Failed++ })

	c.logger.Error("ジョブが失敗",
		"jobID", run.Job.ID,
		"errorCount", len(run.Errors),
		"errors", run.ErrorSummary(),
		"budgetUsed", run.BudgetUsed)
}

// invoke はステージ呼び出しを再試行方針とパニック回復で包みます
// ctx の終了で失敗した場合のみエラーを返し、それ以外の失敗は JobRun に記録します
func (c *Coordinator) invoke(ctx context.Context, run *JobRun, stage Stage, op func() error) error {
	err := c.retry.Do(ctx, stage, func() error {
		return safeCall(op)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	c.logger.Warn("ステージでエラーが発生", "jobID", run.Job.ID, "stage", stage, "error", err)
	run.addError(stage, err, c.now())
	return nil
}

func (c *Coordinator) recordCost(ctx context.Context, run *JobRun, category ledger.Category, cost float64) error {
	if cost == 0 {
		return nil
	}
	if _, err := c.ledger.AddCost(ctx, run.Job.ID, category, cost); err != nil {
		return fmt.Errorf("コストの記録に失敗: %w", err)
	}
	run.BudgetUsed += cost
	return nil
}

// StageMessage は中間トピックへ送るメッセージ
type StageMessage struct {
	JobID       string             `json:"job_id"`
	TenantID    string             `json:"tenant_id"`
	DocID       string             `json:"doc_id,omitempty"`
	SourceType  SourceType         `json:"source_type"`
	Sentiment   Sentiment          `json:"sentiment,omitempty"`
	Topics      []string           `json:"topics,omitempty"`
	Urgency     bool               `json:"urgency"`
	Status      string             `json:"status"`
	Acquisition *AcquisitionResult `json:"acquisition,omitempty"`
}

func (c *Coordinator) publishStage(ctx context.Context, topic string, msg StageMessage) error {
	if c.stagePublisher == nil {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("中間結果のエンコードに失敗: %w", err)
	}
	if err := c.stagePublisher.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("中間結果の送信に失敗 (%s): %w", topic, err)
	}
	return nil
}

func (c *Coordinator) moveToDeadLetter(ctx context.Context, d *Delivery) error {
	c.logger.Warn("配送回数の上限を超えたメッセージを退避",
		"messageID", d.ID,
		"attempt", d.Attempt,
		"threshold", c.poisonThreshold)

	if err := c.deadLetter.Publish(ctx, TopicDeadLetter, d.Body); err != nil {
		if nackErr := c.consumer.Nack(ctx, d); nackErr != nil {
			c.logger.Warn("メッセージの解放に失敗", "messageID", d.ID, "error", nackErr)
		}
		return fmt.Errorf("デッドレターへの送信に失敗: %w", err)
	}
	if err := c.consumer.Ack(ctx, d); err != nil {
		return fmt.Errorf("退避したメッセージの確認応答に失敗: %w", err)
	}
	c.count(func(s *Stats) { s.DeadLettered++ })
	return nil
}

func safeCall(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op()
}
