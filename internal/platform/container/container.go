package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/jinford/voc-coordinator/internal/core/acquisition"
	"github.com/jinford/voc-coordinator/internal/core/approval"
	"github.com/jinford/voc-coordinator/internal/core/coordinator"
	"github.com/jinford/voc-coordinator/internal/core/graph"
	"github.com/jinford/voc-coordinator/internal/core/ledger"
	"github.com/jinford/voc-coordinator/internal/core/tagging"
	"github.com/jinford/voc-coordinator/internal/infra/mcp"
	"github.com/jinford/voc-coordinator/internal/infra/openai"
	"github.com/jinford/voc-coordinator/internal/infra/postgres"
	"github.com/jinford/voc-coordinator/internal/infra/queue"
	"github.com/jinford/voc-coordinator/internal/infra/web"
	"github.com/jinford/voc-coordinator/internal/platform/config"
	"github.com/jinford/voc-coordinator/internal/platform/database"
)

// ErrQueueNotConfigured はキューが無いコンテナで発行しようとした
var ErrQueueNotConfigured = errors.New("queue is not configured")

// Container はアプリケーション全体の依存関係を保持します
type Container struct {
	Config   *config.Config
	Logger   *slog.Logger
	Database *database.Database

	Ledger       *ledger.Ledger
	ApprovalRepo approval.Repository
	Approvals    *approval.Service

	txProvider *database.TransactionProvider
	queue      *Queue
}

// Queue は設定されたドライバのキュー
type Queue struct {
	Driver    string
	Publisher coordinator.Publisher
	// Consumer はトピックの Consumer を返します
	Consumer func(topic string) (coordinator.Consumer, error)
	// Recover は前回停止時に処理中だったメッセージを戻します。不要なドライバでは nil
	Recover func(ctx context.Context, topic string) (int, error)
	// Reap は停止したワーカーが抱えたままのメッセージを戻します。不要なドライバでは nil
	Reap  func(ctx context.Context, topic string) (int, error)
	close func() error
}

// Close はキューの接続を閉じます
func (q *Queue) Close() error {
	if q == nil || q.close == nil {
		return nil
	}
	return q.close()
}

// New は設定からコンテナを生成します。データベースに接続し、コスト台帳を journal から復元します
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	txProvider := database.NewTransactionProvider(db.Pool)

	costLedger := ledger.New(
		cfg.Coordinator.BudgetCapUSD,
		ledger.WithLedgerJournal(postgres.NewCostJournal(txProvider, cfg.Tenant.ID)),
		ledger.WithLedgerLogger(logger),
	)
	if err := costLedger.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("コスト台帳の復元に失敗しました: %w", err)
	}

	approvalRepo := postgres.NewApprovalRepository(db.Pool)

	logger.Info("コンテナを初期化",
		"tenantID", cfg.Tenant.ID,
		"queueDriver", cfg.Queue.Driver,
		"budgetCap", cfg.Coordinator.BudgetCapUSD,
		"totalCost", costLedger.Total())

	return &Container{
		Config:       cfg,
		Logger:       logger,
		Database:     db,
		Ledger:       costLedger,
		ApprovalRepo: approvalRepo,
		Approvals:    approval.NewService(approvalRepo),
		txProvider:   txProvider,
	}, nil
}

// Close は内部リソースを解放します
func (c *Container) Close() {
	if c == nil {
		return
	}
	if err := c.queue.Close(); err != nil {
		c.Logger.Warn("キューの切断に失敗", "error", err)
	}
	if c.Database != nil {
		c.Database.Close()
	}
}

// OpenQueue は設定されたドライバのキューに接続します。接続は初回のみ行います
func (c *Container) OpenQueue(ctx context.Context) (*Queue, error) {
	if c.queue != nil {
		return c.queue, nil
	}
	if c.Config == nil {
		return nil, ErrQueueNotConfigured
	}
	q, err := NewQueue(ctx, c.Config.Queue)
	if err != nil {
		return nil, fmt.Errorf("キュー初期化に失敗しました: %w", err)
	}
	c.queue = q
	return q, nil
}

// NewQueue はドライバに応じたキューを生成します
func NewQueue(ctx context.Context, cfg config.QueueConfig) (*Queue, error) {
	switch cfg.Driver {
	case config.QueueDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return newRedisQueue(client, cfg), nil

	case config.QueueDriverSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return newSQSQueue(sqs.NewFromConfig(awsCfg), cfg), nil

	case config.QueueDriverMemory:
		broker := queue.NewMemoryBroker()
		return &Queue{
			Driver:    cfg.Driver,
			Publisher: broker,
			Consumer: func(topic string) (coordinator.Consumer, error) {
				return broker.Consumer(topic), nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Driver)
	}
}

func newRedisQueue(client *redis.Client, cfg config.QueueConfig) *Queue {
	q := queue.NewRedisQueue(client, cfg.RedisPrefix, cfg.WorkerID)
	return &Queue{
		Driver:    config.QueueDriverRedis,
		Publisher: q,
		Consumer: func(topic string) (coordinator.Consumer, error) {
			return q.Consumer(topic), nil
		},
		Recover: q.Recover,
		Reap:    q.RequeueExpired,
		close:   client.Close,
	}
}

func newSQSQueue(client queue.SQSAPI, cfg config.QueueConfig) *Queue {
	q := queue.NewSQSQueue(client, cfg.SQSQueueURLs)
	return &Queue{
		Driver:    config.QueueDriverSQS,
		Publisher: q,
		Consumer: func(topic string) (coordinator.Consumer, error) {
			return q.Consumer(topic)
		},
	}
}

// NewCoordinator はジョブ処理パイプライン一式を組み立てます
func (c *Container) NewCoordinator(ctx context.Context, opts ...coordinator.CoordinatorOption) (*coordinator.Coordinator, error) {
	cfg := c.Config

	q, err := c.OpenQueue(ctx)
	if err != nil {
		return nil, err
	}

	if q.Recover != nil {
		recovered, err := q.Recover(ctx, coordinator.TopicScrapeJobs)
		if err != nil {
			return nil, fmt.Errorf("処理中メッセージの回収に失敗しました: %w", err)
		}
		if recovered > 0 {
			c.Logger.Warn("前回停止時に処理中だったジョブを戻しました", "count", recovered)
		}
	}

	consumer, err := q.Consumer(coordinator.TopicScrapeJobs)
	if err != nil {
		return nil, fmt.Errorf("ジョブキューの購読に失敗しました: %w", err)
	}

	decoder, err := coordinator.NewJobDecoder()
	if err != nil {
		return nil, fmt.Errorf("ジョブデコーダーの初期化に失敗しました: %w", err)
	}

	tagger, err := NewTagger(cfg, c.Logger)
	if err != nil {
		return nil, err
	}

	stages := coordinator.Stages{
		Acquisition: NewAcquisition(cfg, c.Logger),
		Enrichment:  tagger,
		Graph:       graph.NewWriter(postgres.NewGraphRepository(c.txProvider), graph.WithWriterLogger(c.Logger)),
	}

	base := []coordinator.CoordinatorOption{
		coordinator.WithCoordinatorLogger(c.Logger),
		coordinator.WithStagePublisher(q.Publisher),
		coordinator.WithDeadLetter(q.Publisher, cfg.Coordinator.PoisonThreshold),
		coordinator.WithLedgerSync(true),
	}
	if cfg.Coordinator.MaxRetries > 0 {
		base = append(base, coordinator.WithRetryPolicy(coordinator.NewBackoffPolicy(uint64(cfg.Coordinator.MaxRetries))))
	}

	return coordinator.New(
		consumer,
		decoder,
		c.Ledger,
		NewApprovalGate(cfg, c.ApprovalRepo, c.Logger),
		stages,
		coordinator.NewQueueEmitter(q.Publisher, cfg.Tenant.ID),
		coordinator.Config{
			TenantID:              cfg.Tenant.ID,
			RequireVerifiedDomain: cfg.Coordinator.StopOnUnknownDomains,
			ReceiveTimeout:        cfg.Coordinator.ReceiveTimeout,
		},
		append(base, opts...)...,
	), nil
}

// StartReaper は停止したワーカーのメッセージを定期的に回収するゴルーチンを起動します。
// 返り値の関数で停止を待ちます。回収が不要なドライバでは何もしません
func (c *Container) StartReaper(ctx context.Context, interval time.Duration) (func(), error) {
	q, err := c.OpenQueue(ctx)
	if err != nil {
		return nil, err
	}
	if q.Reap == nil || interval <= 0 {
		return func() {}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.Reap(ctx, coordinator.TopicScrapeJobs)
				if err != nil {
					if ctx.Err() == nil {
						c.Logger.Warn("停止したワーカーのジョブ回収に失敗しました", "error", err)
					}
					continue
				}
				if n > 0 {
					c.Logger.Warn("停止したワーカーのジョブを戻しました", "count", n)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// NewReportJob は定期予算レポートのジョブを返します。スケジュール未設定なら nil
func (c *Container) NewReportJob() *ledger.ReportJob {
	if c.Config.Coordinator.ReportCron == "" {
		return nil
	}
	return ledger.NewReportJob(c.Config.Coordinator.ReportCron, c.Ledger, true, c.Logger)
}

// NewTagger は OpenAI による解析・埋め込みを使う Tagger を組み立てます
func NewTagger(cfg *config.Config, logger *slog.Logger) (*tagging.Tagger, error) {
	client, err := openai.NewClient(
		cfg.OpenAI.APIKey,
		openai.WithClientModel(cfg.OpenAI.LLMModel),
		openai.WithClientLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("OpenAI LLMクライアント初期化に失敗しました: %w", err)
	}

	embedder, err := openai.NewEmbedder(
		cfg.OpenAI.APIKey,
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
		openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
	)
	if err != nil {
		return nil, fmt.Errorf("OpenAI Embedder初期化に失敗しました: %w", err)
	}

	tokenizer, err := openai.NewTokenizer(openai.DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("Tokenizer初期化に失敗しました: %w", err)
	}

	// 解析と埋め込みで1分あたりのリクエスト枠を共有する
	limiter := openai.NewRateLimiter(cfg.OpenAI.MaxRequestsPerMinute)

	tagger, err := tagging.NewTagger(
		openai.NewThrottledClient(client, limiter),
		openai.NewThrottledEmbedder(embedder, limiter),
		tokenizer,
		cfg.Tenant.ID,
		tagging.WithTaggerPricing(tagging.Pricing{
			ChatInputPerMTok:  cfg.Pricing.ChatInputPerMTok,
			ChatOutputPerMTok: cfg.Pricing.ChatOutputPerMTok,
			EmbeddingPerMTok:  cfg.Pricing.EmbeddingPerMTok,
		}),
		tagging.WithTaggerChunking(cfg.Tagger.ChunkSize, cfg.Tagger.ChunkOverlap),
		tagging.WithTaggerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("Tagger初期化に失敗しました: %w", err)
	}
	return tagger, nil
}

// NewAcquisition は取得バックエンドを登録した Service を組み立てます。
// MCP サーバーが設定されていれば検索バックエンドを Web より先に登録します
func NewAcquisition(cfg *config.Config, logger *slog.Logger) *acquisition.Service {
	httpClient := &http.Client{Timeout: cfg.Acquisition.HTTPTimeout}

	var opts []acquisition.ServiceOption
	if cfg.Acquisition.MCPServerURL != "" {
		search := mcp.NewSearchBackend(mcp.NewClient(cfg.Acquisition.MCPServerURL, httpClient))
		opts = append(opts, acquisition.WithBackend(search, cfg.Acquisition.SERPCostUSD))
	} else {
		logger.Warn("MCP_SERVER_URL が未設定のため、キーワードのみのジョブは取得できません")
	}

	fetcher := web.NewFetcher(
		web.WithHTTPClient(httpClient),
		web.WithUserAgent(cfg.Acquisition.UserAgent),
	)
	opts = append(opts,
		acquisition.WithBackend(fetcher, cfg.Acquisition.WebCostUSD),
		acquisition.WithServiceLogger(logger),
	)

	return acquisition.NewService(opts...)
}

// NewApprovalGate は承認モードに応じた ApprovalGate を返します
func NewApprovalGate(cfg *config.Config, repo approval.Repository, logger *slog.Logger) coordinator.ApprovalGate {
	if cfg.Coordinator.ApprovalMode == config.ApprovalModeAuto {
		return approval.NewAutoApprover(logger)
	}
	return approval.NewGate(
		repo,
		approval.NotifierForTarget(cfg.Coordinator.ApprovalTarget, logger),
		approval.WithGatePollInterval(cfg.Coordinator.ApprovalPollInterval),
		approval.WithGateTimeout(cfg.Coordinator.ApprovalTimeout),
		approval.WithGateLogger(logger),
	)
}

// SubmitJob はジョブを scrape.jobs に発行します
func (c *Container) SubmitJob(ctx context.Context, job coordinator.Job) error {
	q, err := c.OpenQueue(ctx)
	if err != nil {
		return err
	}
	if q.Publisher == nil {
		return ErrQueueNotConfigured
	}
	body, err := coordinator.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("ジョブのエンコードに失敗: %w", err)
	}
	if err := q.Publisher.Publish(ctx, coordinator.TopicScrapeJobs, body); err != nil {
		return fmt.Errorf("ジョブの発行に失敗: %w", err)
	}
	return nil
}
