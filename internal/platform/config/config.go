package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キュードライバ
const (
	QueueDriverRedis  = "redis"
	QueueDriverSQS    = "sqs"
	QueueDriverMemory = "memory"
)

// 承認モード
const (
	ApprovalModeManual = "manual"
	ApprovalModeAuto   = "auto"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// テナント設定
	Tenant TenantConfig

	// ジョブ処理の設定
	Coordinator CoordinatorConfig

	// キュー設定
	Queue QueueConfig

	// Database設定
	Database DatabaseConfig

	// OpenAI設定（解析 + Embeddings）
	OpenAI OpenAIConfig

	// トークン単価（USD / 100万トークン）
	Pricing PricingConfig

	// コンテンツ取得の設定
	Acquisition AcquisitionConfig

	// 本文分割の設定
	Tagger TaggerConfig

	// ログ設定
	Log LogConfig
}

// TenantConfig はテナント設定
type TenantConfig struct {
	ID   string
	Name string
}

// CoordinatorConfig はジョブ処理の設定
type CoordinatorConfig struct {
	StopOnUnknownDomains bool
	BudgetCapUSD         float64
	ApprovalTarget       string // 承認依頼の通知先（メールアドレス・Webhook URL・ファイルパス）
	ApprovalMode         string // "manual" or "auto"
	ApprovalPollInterval time.Duration
	ApprovalTimeout      time.Duration
	ReceiveTimeout       time.Duration
	MaxRetries           int
	PoisonThreshold      int
	ReportCron           string // 空なら定期レポートを出さない
}

// QueueConfig はキュー設定
type QueueConfig struct {
	Driver        string // "redis", "sqs" or "memory"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	WorkerID      string
	// ReapInterval は停止したワーカーのメッセージを回収する間隔。0 なら回収しません
	ReapInterval time.Duration
	SQSRegion    string
	// SQSQueueURLs はトピック名からキューURLへの対応
	SQSQueueURLs map[string]string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey               string
	LLMModel             string
	EmbeddingModel       string
	EmbeddingDimension   int
	MaxRequestsPerMinute int
}

// PricingConfig はトークン単価
type PricingConfig struct {
	ChatInputPerMTok  float64
	ChatOutputPerMTok float64
	EmbeddingPerMTok  float64
}

// AcquisitionConfig はコンテンツ取得の設定
type AcquisitionConfig struct {
	MCPServerURL string
	HTTPTimeout  time.Duration
	UserAgent    string
	WebCostUSD   float64
	SERPCostUSD  float64
}

// TaggerConfig は本文分割の設定
type TaggerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// Topics は SQS のキューURLを読み込むトピック
var Topics = []string{
	"scrape.jobs",
	"scrape.results",
	"tag.complete",
	"analysis.jobs",
	"scrape.jobs.dlq",
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		Tenant: TenantConfig{
			ID:   getEnv("TENANT_ID", "default"),
			Name: getEnv("TENANT_NAME", ""),
		},
		Coordinator: CoordinatorConfig{
			StopOnUnknownDomains: getEnvAsBool("COORDINATOR_STOP_ON_UNKNOWN_DOMAINS", true),
			BudgetCapUSD:         getEnvAsFloat("COORDINATOR_BUDGET_CAP_USD", 100.0),
			ApprovalTarget:       getEnv("COORDINATOR_HUMAN_APPROVAL_TARGET", getEnv("COORDINATOR_HUMAN_APPROVAL_EMAIL", "")),
			ApprovalMode:         getEnv("COORDINATOR_APPROVAL_MODE", ApprovalModeManual),
			ApprovalPollInterval: getEnvAsDuration("COORDINATOR_APPROVAL_POLL_INTERVAL", 5*time.Second),
			ApprovalTimeout:      getEnvAsDuration("COORDINATOR_APPROVAL_TIMEOUT", 24*time.Hour),
			ReceiveTimeout:       getEnvAsDuration("COORDINATOR_RECEIVE_TIMEOUT", 5*time.Second),
			MaxRetries:           getEnvAsInt("COORDINATOR_MAX_RETRIES", 0),
			PoisonThreshold:      getEnvAsInt("COORDINATOR_POISON_THRESHOLD", 5),
			ReportCron:           getEnv("COORDINATOR_REPORT_CRON", ""),
		},
		Queue: QueueConfig{
			Driver:        getEnv("QUEUE_DRIVER", QueueDriverRedis),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "voc"),
			WorkerID:      getEnv("WORKER_ID", hostname),
			SQSRegion:     getEnv("SQS_REGION", "us-east-1"),
			SQSQueueURLs:  loadQueueURLs(),
			ReapInterval:  getEnvAsDuration("QUEUE_REAP_INTERVAL", time.Minute),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "voc"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "voc"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:               getEnv("OPENAI_API_KEY", ""),
			LLMModel:             getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			EmbeddingModel:       getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension:   getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
			MaxRequestsPerMinute: getEnvAsInt("OPENAI_MAX_REQUESTS_PER_MINUTE", 500),
		},
		Pricing: PricingConfig{
			ChatInputPerMTok:  getEnvAsFloat("PRICE_CHAT_INPUT_PER_MTOK", 0.15),
			ChatOutputPerMTok: getEnvAsFloat("PRICE_CHAT_OUTPUT_PER_MTOK", 0.60),
			EmbeddingPerMTok:  getEnvAsFloat("PRICE_EMBEDDING_PER_MTOK", 0.02),
		},
		Acquisition: AcquisitionConfig{
			MCPServerURL: getEnv("MCP_SERVER_URL", ""),
			HTTPTimeout:  getEnvAsDuration("ACQUISITION_HTTP_TIMEOUT", 30*time.Second),
			UserAgent:    getEnv("ACQUISITION_USER_AGENT", "voc-coordinator/1.0"),
			WebCostUSD:   getEnvAsFloat("ACQUISITION_WEB_COST_USD", 0.02),
			SERPCostUSD:  getEnvAsFloat("ACQUISITION_SERP_COST_USD", 0.02),
		},
		Tagger: TaggerConfig{
			ChunkSize:    getEnvAsInt("TAGGER_CHUNK_SIZE", 1000),
			ChunkOverlap: getEnvAsInt("TAGGER_CHUNK_OVERLAP", 100),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error

	if c.Tenant.ID == "" {
		errs = append(errs, errors.New("TENANT_ID must not be empty"))
	}
	if c.Coordinator.BudgetCapUSD < 0 {
		errs = append(errs, fmt.Errorf("COORDINATOR_BUDGET_CAP_USD must not be negative: %v", c.Coordinator.BudgetCapUSD))
	}
	switch c.Coordinator.ApprovalMode {
	case ApprovalModeManual, ApprovalModeAuto:
	default:
		errs = append(errs, fmt.Errorf("unknown COORDINATOR_APPROVAL_MODE: %q", c.Coordinator.ApprovalMode))
	}
	if c.Coordinator.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("COORDINATOR_MAX_RETRIES must not be negative: %d", c.Coordinator.MaxRetries))
	}
	switch c.Queue.Driver {
	case QueueDriverRedis, QueueDriverMemory:
	case QueueDriverSQS:
		if c.Queue.SQSQueueURLs["scrape.jobs"] == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqs driver", TopicEnvKey("scrape.jobs")))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER: %q", c.Queue.Driver))
	}
	if c.Tagger.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("TAGGER_CHUNK_SIZE must be positive: %d", c.Tagger.ChunkSize))
	}
	if c.Tagger.ChunkOverlap < 0 || c.Tagger.ChunkOverlap >= c.Tagger.ChunkSize {
		errs = append(errs, fmt.Errorf("TAGGER_CHUNK_OVERLAP must be in [0, TAGGER_CHUNK_SIZE): %d", c.Tagger.ChunkOverlap))
	}

	return errors.Join(errs...)
}

// TopicEnvKey はトピックのキューURLを持つ環境変数名を返す（scrape.jobs → SQS_QUEUE_URL_SCRAPE_JOBS）
func TopicEnvKey(topic string) string {
	return "SQS_QUEUE_URL_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(topic))
}

func loadQueueURLs() map[string]string {
	urls := make(map[string]string, len(Topics))
	for _, topic := range Topics {
		if v := os.Getenv(TopicEnvKey(topic)); v != "" {
			urls[topic] = v
		}
	}
	return urls
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（"5s", "24h" など）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
