package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy はステージ呼び出しの再試行方針
type RetryPolicy interface {
	Do(ctx context.Context, stage Stage, op func() error) error
}

// NoRetry は1回だけ実行する RetryPolicy
type NoRetry struct{}

func (NoRetry) Do(_ context.Context, _ Stage, op func() error) error {
	return op()
}

// BackoffPolicy は指数バックオフで再試行する RetryPolicy
// 前提条件違反のエラーは再試行しません
type BackoffPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Stages が空でなければ、含まれるステージだけを再試行する
	Stages []Stage
}

// NewBackoffPolicy はデフォルト間隔の BackoffPolicy を作成します
func NewBackoffPolicy(maxRetries uint64) *BackoffPolicy {
	return &BackoffPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (p *BackoffPolicy) Do(ctx context.Context, stage Stage, op func() error) error {
	if !p.applies(stage) {
		return op()
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (p *BackoffPolicy) applies(stage Stage) bool {
	if len(p.Stages) == 0 {
		return true
	}
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrNoTarget) ||
		errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrNoTaggableEntities) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// インターフェース実装の確認
var (
	_ RetryPolicy = NoRetry{}
	_ RetryPolicy = (*BackoffPolicy)(nil)
)
