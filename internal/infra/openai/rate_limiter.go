package openai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinford/voc-coordinator/internal/core/tagging"
)

// refillPollInterval はトークン枯渇時に補充を確認する間隔
const refillPollInterval = time.Second

// RateLimiter は1分あたりのリクエスト数と同時実行数を制限します
type RateLimiter struct {
	mu sync.Mutex

	perMinute  int
	tokens     int
	lastRefill time.Time
	waiting    int
	now        func() time.Time

	// inflight は同時実行数を制御するセマフォ
	inflight chan struct{}
}

// NewRateLimiter は新しいRateLimiterを作成します
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		perMinute:  perMinute,
		tokens:     perMinute,
		lastRefill: time.Now(),
		now:        time.Now,
		inflight:   make(chan struct{}, perMinute),
	}
}

// Acquire は実行枠を取得します。成功した場合は返された関数で枠を解放すること
func (rl *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case rl.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	release := func() { <-rl.inflight }

	for {
		if rl.take() {
			return release, nil
		}

		select {
		case <-time.After(refillPollInterval):
		case <-ctx.Done():
			rl.mu.Lock()
			rl.waiting--
			rl.mu.Unlock()
			release()
			return nil, ctx.Err()
		}

		rl.mu.Lock()
		rl.waiting--
		rl.mu.Unlock()
	}
}

// take はトークンを1つ消費します。枯渇していれば待機数を増やして false を返します
func (rl *RateLimiter) take() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	rl.waiting++
	return false
}

// refill は経過した分だけトークンを補充します。呼び出し側でロックを取得していること
func (rl *RateLimiter) refill() {
	elapsed := rl.now().Sub(rl.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	rl.tokens = min(rl.tokens+minutes*rl.perMinute, rl.perMinute)
	rl.lastRefill = rl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Status は現在の状態を返します
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return RateLimiterStatus{
		MaxRequestsPerMinute: rl.perMinute,
		AvailableTokens:      rl.tokens,
		WaitingRequests:      rl.waiting,
		ActiveRequests:       len(rl.inflight),
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	AvailableTokens      int
	WaitingRequests      int
	ActiveRequests       int
}

// String はステータスを文字列表現で返します
func (s RateLimiterStatus) String() string {
	return fmt.Sprintf(
		"RateLimiter: max=%d/min, available=%d, waiting=%d, active=%d",
		s.MaxRequestsPerMinute,
		s.AvailableTokens,
		s.WaitingRequests,
		s.ActiveRequests,
	)
}

// ThrottledClient はレート制限付きのLLMクライアント
type ThrottledClient struct {
	client  tagging.LLMClient
	limiter *RateLimiter
}

// NewThrottledClient はレート制限付きのLLMクライアントを作成します
func NewThrottledClient(client tagging.LLMClient, limiter *RateLimiter) *ThrottledClient {
	return &ThrottledClient{client: client, limiter: limiter}
}

// GenerateCompletion はレート制限に従ってLLM APIを呼び出します
func (tc *ThrottledClient) GenerateCompletion(ctx context.Context, req tagging.CompletionRequest) (tagging.CompletionResponse, error) {
	release, err := tc.limiter.Acquire(ctx)
	if err != nil {
		return tagging.CompletionResponse{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	defer release()

	return tc.client.GenerateCompletion(ctx, req)
}

// ThrottledEmbedder はレート制限付きのEmbedder。LLMクライアントと制限を共有できます
type ThrottledEmbedder struct {
	tagging.Embedder
	limiter *RateLimiter
}

// NewThrottledEmbedder はレート制限付きのEmbedderを作成します
func NewThrottledEmbedder(embedder tagging.Embedder, limiter *RateLimiter) *ThrottledEmbedder {
	return &ThrottledEmbedder{Embedder: embedder, limiter: limiter}
}

// BatchEmbed はレート制限に従って Embedding を生成します
func (te *ThrottledEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	release, err := te.limiter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	defer release()

	return te.Embedder.BatchEmbed(ctx, texts)
}

// インターフェース実装の確認
var (
	_ tagging.LLMClient = (*ThrottledClient)(nil)
	_ tagging.Embedder  = (*ThrottledEmbedder)(nil)
)
