package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Tenant.ID)
	assert.True(t, cfg.Coordinator.StopOnUnknownDomains)
	assert.Equal(t, 100.0, cfg.Coordinator.BudgetCapUSD)
	assert.Equal(t, ApprovalModeManual, cfg.Coordinator.ApprovalMode)
	assert.Equal(t, 24*time.Hour, cfg.Coordinator.ApprovalTimeout)
	assert.Equal(t, QueueDriverRedis, cfg.Queue.Driver)
	assert.Equal(t, 1000, cfg.Tagger.ChunkSize)
	assert.Equal(t, 100, cfg.Tagger.ChunkOverlap)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "TENANT_ID=acme\n" +
		"COORDINATOR_BUDGET_CAP_USD=12.5\n" +
		"COORDINATOR_STOP_ON_UNKNOWN_DOMAINS=false\n" +
		"COORDINATOR_HUMAN_APPROVAL_EMAIL=ops@example.com\n" +
		"COORDINATOR_APPROVAL_POLL_INTERVAL=250ms\n" +
		"QUEUE_DRIVER=sqs\n" +
		"SQS_QUEUE_URL_SCRAPE_JOBS=https://sqs.example/scrape-jobs\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// godotenv は既存の環境変数を上書きしないため、テスト後に消しておく
	for _, key := range []string{
		"TENANT_ID",
		"COORDINATOR_BUDGET_CAP_USD",
		"COORDINATOR_STOP_ON_UNKNOWN_DOMAINS",
		"COORDINATOR_HUMAN_APPROVAL_EMAIL",
		"COORDINATOR_APPROVAL_POLL_INTERVAL",
		"QUEUE_DRIVER",
		"SQS_QUEUE_URL_SCRAPE_JOBS",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Tenant.ID)
	assert.Equal(t, 12.5, cfg.Coordinator.BudgetCapUSD)
	assert.False(t, cfg.Coordinator.StopOnUnknownDomains)
	assert.Equal(t, "ops@example.com", cfg.Coordinator.ApprovalTarget)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.ApprovalPollInterval)
	assert.Equal(t, QueueDriverSQS, cfg.Queue.Driver)
	assert.Equal(t, "https://sqs.example/scrape-jobs", cfg.Queue.SQSQueueURLs["scrape.jobs"])
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_ApprovalTargetPrefersTarget(t *testing.T) {
	t.Setenv("COORDINATOR_HUMAN_APPROVAL_TARGET", "https://hooks.example/approve")
	t.Setenv("COORDINATOR_HUMAN_APPROVAL_EMAIL", "ops@example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/approve", cfg.Coordinator.ApprovalTarget)
}

func TestLoad_InvalidNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("COORDINATOR_BUDGET_CAP_USD", "lots")
	t.Setenv("TAGGER_CHUNK_SIZE", "big")
	t.Setenv("COORDINATOR_RECEIVE_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100.0, cfg.Coordinator.BudgetCapUSD)
	assert.Equal(t, 1000, cfg.Tagger.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.ReceiveTimeout)
}

func TestLoad_ReapInterval(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Queue.ReapInterval)

	t.Setenv("QUEUE_REAP_INTERVAL", "0s")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Queue.ReapInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative budget cap",
			mutate:  func(c *Config) { c.Coordinator.BudgetCapUSD = -1 },
			wantErr: "COORDINATOR_BUDGET_CAP_USD",
		},
		{
			name:    "unknown queue driver",
			mutate:  func(c *Config) { c.Queue.Driver = "kafka" },
			wantErr: "QUEUE_DRIVER",
		},
		{
			name:    "sqs without job queue",
			mutate:  func(c *Config) { c.Queue.Driver = QueueDriverSQS },
			wantErr: "SQS_QUEUE_URL_SCRAPE_JOBS",
		},
		{
			name:    "overlap not smaller than size",
			mutate:  func(c *Config) { c.Tagger.ChunkOverlap = c.Tagger.ChunkSize },
			wantErr: "TAGGER_CHUNK_OVERLAP",
		},
		{
			name:    "unknown approval mode",
			mutate:  func(c *Config) { c.Coordinator.ApprovalMode = "email" },
			wantErr: "COORDINATOR_APPROVAL_MODE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestTopicEnvKey(t *testing.T) {
	assert.Equal(t, "SQS_QUEUE_URL_SCRAPE_JOBS", TopicEnvKey("scrape.jobs"))
	assert.Equal(t, "SQS_QUEUE_URL_SCRAPE_JOBS_DLQ", TopicEnvKey("scrape.jobs.dlq"))
}
