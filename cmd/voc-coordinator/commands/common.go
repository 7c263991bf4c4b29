package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/voc-coordinator/internal/platform/config"
	"github.com/jinford/voc-coordinator/internal/platform/container"
	"github.com/jinford/voc-coordinator/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持します
type AppContext struct {
	Config    *config.Config
	Container *container.Container
}

// loadConfig は設定を読み込み、ロガーを初期化します
func loadConfig(envFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	return cfg, appLogger, nil
}

// NewAppContext は設定ファイルを読み込み、DBに接続して AppContext を作成します
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, appLogger, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}

	cont, err := container.New(ctx, appLogger, cfg)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップします
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返します
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger
	}
	return slog.Default()
}
