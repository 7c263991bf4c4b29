package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/voc-coordinator/internal/infra/postgres"
	"github.com/jinford/voc-coordinator/internal/platform/database"
)

// DBMigrateAction はスキーマを適用するコマンドのアクション
// コスト台帳の復元前に実行する必要があるため、コンテナを介さずに接続します
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	cfg, logger, err := loadConfig(envFile)
	if err != nil {
		return err
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
		return fmt.Errorf("データベース接続に失敗: %w", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db.Pool); err != nil {
		return err
	}

	logger.Info("スキーマを適用", "database", cfg.Database.DBName)
	fmt.Println("✓ スキーマを適用しました")
	return nil
}
