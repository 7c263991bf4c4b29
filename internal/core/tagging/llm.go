package tagging

import "context"

// CompletionRequest はLLMへの生成リクエスト
type CompletionRequest struct {
	Prompt         string
	Temperature    float64
	MaxTokens      int
	ResponseFormat string // "json" or "text"
	Model          string
}

// CompletionResponse はLLMからの応答
type CompletionResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// LLMClient はテキスト生成のインターフェース
type LLMClient interface {
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	MaxBatchSize() int
}

// Tokenizer はトークン化のインターフェース
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	CountTokens(text string) int
}

// Pricing はトークン単価（100万トークンあたりのUSD）
type Pricing struct {
	ChatInputPerMTok  float64
	ChatOutputPerMTok float64
	EmbeddingPerMTok  float64
}

// DefaultPricing は gpt-4o-mini と text-embedding-3-small の単価
func DefaultPricing() Pricing {
	return Pricing{
		ChatInputPerMTok:  0.15,
		ChatOutputPerMTok: 0.60,
		EmbeddingPerMTok:  0.02,
	}
}

// Cost はトークン使用量からコストを計算します
func (p Pricing) Cost(promptTokens, completionTokens, embeddingTokens int) float64 {
	return (float64(promptTokens)*p.ChatInputPerMTok +
		float64(completionTokens)*p.ChatOutputPerMTok +
		float64(embeddingTokens)*p.EmbeddingPerMTok) / 1_000_000
}
