package tagging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// wordTokenizer は空白区切りの単語を1トークンとして扱うテスト用 Tokenizer
type wordTokenizer struct {
	mu    sync.Mutex
	vocab []string
}

func (w *wordTokenizer) Encode(text string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i, word := range words {
		w.vocab = append(w.vocab, word)
		ids[i] = len(w.vocab) - 1
	}
	return ids
}

func (w *wordTokenizer) Decode(tokens []int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	words := make([]string, len(tokens))
	for i, id := range tokens {
		words[i] = w.vocab[id]
	}
	return strings.Join(words, " ")
}

func (w *wordTokenizer) CountTokens(text string) int {
	return len(strings.Fields(text))
}

type stubLLM struct {
	content string
	err     error
	prompts []string
	mu      sync.Mutex
}

func (s *stubLLM) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	if s.err != nil {
		return CompletionResponse{}, s.err
	}
	return CompletionResponse{Content: s.content, PromptTokens: 1000, CompletionTokens: 200, Model: "stub"}, nil
}

type stubEmbedder struct {
	batchSize int
	batches   int
	err       error
	mu        sync.Mutex
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 2}
	}
	return out, nil
}

func (s *stubEmbedder) ModelName() string { return "stub-embedding" }

func (s *stubEmbedder) MaxBatchSize() int { return s.batchSize }

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

const analysisJSON = `{
  "sentiment": "NEGATIVE",
  "urgency": true,
  "topics": ["Battery life", "battery life"],
  "entities": [
    {"type": "Brand", "name": "Acme", "confidence": 0.95},
    {"type": "topic", "name": "Charging"},
    {"type": "Planet", "name": "Mars"},
    {"type": "Brand", "name": "acme"},
    {"type": "Product", "name": "  ", "confidence": 0.5},
    {"type": "Feature", "name": "Fast charge", "confidence": 1.7}
  ]
}`

func newTestTagger(t *testing.T, llm LLMClient, embedder Embedder, opts ...TaggerOption) *Tagger {
	t.Helper()
	opts = append([]TaggerOption{WithTaggerLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	tagger, err := NewTagger(llm, embedder, &wordTokenizer{}, "tenant-a", opts...)
	require.NoError(t, err)
	return tagger
}

func TestChunker_SplitWithOverlap(t *testing.T) {
	chunker, err := NewChunker(&wordTokenizer{}, 10, 2)
	require.NoError(t, err)

	chunks := chunker.Split(words(25))
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 10, chunks[0].TokenCount)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w8 w9"))
	assert.True(t, strings.HasSuffix(chunks[2].Text, "w24"))
	assert.Equal(t, 9, chunks[2].TokenCount)
}

func TestChunker_ShortAndEmpty(t *testing.T) {
	chunker, err := NewChunker(&wordTokenizer{}, 10, 2)
	require.NoError(t, err)

	assert.Len(t, chunker.Split("just a few words"), 1)
	assert.Empty(t, chunker.Split("   "))
}

func TestNewChunker_Validation(t *testing.T) {
	_, err := NewChunker(&wordTokenizer{}, 0, 0)
	assert.Error(t, err)
	_, err = NewChunker(&wordTokenizer{}, 10, 10)
	assert.Error(t, err)
}

func TestChunker_Truncate(t *testing.T) {
	chunker, err := NewChunker(&wordTokenizer{}, 10, 2)
	require.NoError(t, err)

	assert.Equal(t, "w0 w1 w2", chunker.Truncate(words(50), 3))
	assert.Equal(t, "a b", chunker.Truncate("a b", 3))
}

func TestParseAnalysis_Normalizes(t *testing.T) {
	got, err := parseAnalysis(analysisJSON)
	require.NoError(t, err)

	assert.Equal(t, coordinator.SentimentNegative, got.Sentiment)
	assert.True(t, got.Urgency)
	require.Len(t, got.Entities, 3)
	assert.Equal(t, extractedEntity{Type: coordinator.EntityBrand, Name: "Acme", Confidence: 0.95}, got.Entities[0])
	assert.Equal(t, extractedEntity{Type: coordinator.EntityTopic, Name: "Charging", Confidence: defaultConfidence}, got.Entities[1])
	assert.Equal(t, 1.0, got.Entities[2].Confidence)
	assert.Equal(t, []string{"Battery life", "Charging"}, got.Topics)
}

func TestParseAnalysis_UnknownSentimentIsNeutral(t *testing.T) {
	got, err := parseAnalysis(`{"sentiment": "furious"}`)
	require.NoError(t, err)
	assert.Equal(t, coordinator.SentimentNeutral, got.Sentiment)
	assert.Empty(t, got.Entities)
}

func TestParseAnalysis_InvalidJSON(t *testing.T) {
	_, err := parseAnalysis("not json")
	assert.Error(t, err)
}

func TestTagger_Enrich(t *testing.T) {
	llm := &stubLLM{content: analysisJSON}
	embedder := &stubEmbedder{batchSize: 2}
	tagger := newTestTagger(t, llm, embedder, WithTaggerChunking(10, 2))

	job := coordinator.Job{ID: "j1", SourceType: coordinator.SourceTypeWeb, URL: "https://example.com"}
	res, cost, err := tagger.Enrich(context.Background(), job, &coordinator.AcquisitionResult{
		URL:     "https://example.com",
		Title:   "Review",
		Content: words(25),
	})
	require.NoError(t, err)

	assert.Equal(t, DocumentID("tenant-a", "j1"), res.DocID)
	assert.Equal(t, "tenant-a", res.TenantID)
	assert.Equal(t, coordinator.SentimentNegative, res.Sentiment)
	assert.Len(t, res.Entities, 3)
	assert.Equal(t, EntityID("tenant-a", coordinator.EntityBrand, "ACME"), res.Entities[0].ID)
	require.Len(t, res.Chunks, 3)
	assert.Len(t, res.Chunks[0].Embedding, 3)
	assert.NotEqual(t, res.Chunks[0].ID, res.Chunks[1].ID)
	assert.Equal(t, "stub-embedding", res.EmbeddingModel)
	assert.Equal(t, 2, embedder.batches)

	// 1000 * 0.15 + 200 * 0.60 + (10+10+9) * 0.02 （100万トークンあたり）
	expected := (1000*0.15 + 200*0.60 + 29*0.02) / 1_000_000
	assert.InDelta(t, expected, cost, 1e-12)

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "Title: Review")
}

func TestTagger_DeterministicIDsAcrossRedelivery(t *testing.T) {
	tagger := newTestTagger(t, &stubLLM{content: analysisJSON}, &stubEmbedder{batchSize: 10})
	job := coordinator.Job{ID: "j1"}
	acquired := &coordinator.AcquisitionResult{Content: words(30)}

	first, _, err := tagger.Enrich(context.Background(), job, acquired)
	require.NoError(t, err)
	second, _, err := tagger.Enrich(context.Background(), job, acquired)
	require.NoError(t, err)

	assert.Equal(t, first.DocID, second.DocID)
	assert.Equal(t, first.Chunks[0].ID, second.Chunks[0].ID)
}

func TestTagger_RejectsShortContent(t *testing.T) {
	tagger := newTestTagger(t, &stubLLM{content: analysisJSON}, &stubEmbedder{batchSize: 10})

	_, _, err := tagger.Enrich(context.Background(), coordinator.Job{ID: "j1"}, &coordinator.AcquisitionResult{Content: " short "})
	assert.ErrorIs(t, err, coordinator.ErrEmptyContent)

	_, _, err = tagger.Enrich(context.Background(), coordinator.Job{ID: "j1"}, nil)
	assert.ErrorIs(t, err, coordinator.ErrOutOfOrder)
}

func TestTagger_PropagatesCollaboratorErrors(t *testing.T) {
	acquired := &coordinator.AcquisitionResult{Content: words(20)}

	llmFail := newTestTagger(t, &stubLLM{err: errors.New("rate limited")}, &stubEmbedder{batchSize: 10})
	_, _, err := llmFail.Enrich(context.Background(), coordinator.Job{ID: "j1"}, acquired)
	assert.ErrorContains(t, err, "rate limited")

	embedFail := newTestTagger(t, &stubLLM{content: analysisJSON}, &stubEmbedder{batchSize: 10, err: errors.New("quota")})
	_, _, err = embedFail.Enrich(context.Background(), coordinator.Job{ID: "j1"}, acquired)
	assert.ErrorContains(t, err, "quota")
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{ChatInputPerMTok: 1, ChatOutputPerMTok: 2, EmbeddingPerMTok: 3}
	assert.InDelta(t, 6.0, p.Cost(1_000_000, 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, p.Cost(0, 0, 0))
}
