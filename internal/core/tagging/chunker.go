package tagging

import (
	"fmt"
	"strings"
)

const (
	// DefaultChunkSize はチャンクあたりのトークン数
	DefaultChunkSize = 1000
	// DefaultChunkOverlap は隣接チャンク間で重ねるトークン数
	DefaultChunkOverlap = 100
)

// TextChunk は分割された本文の断片
type TextChunk struct {
	Ordinal    int
	Text       string
	TokenCount int
}

// Chunker はトークン数で本文を分割します
type Chunker struct {
	tokenizer Tokenizer
	size      int
	overlap   int
}

// NewChunker は新しいChunkerを作成します
func NewChunker(tokenizer Tokenizer, size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d): %d", size, overlap)
	}
	return &Chunker{tokenizer: tokenizer, size: size, overlap: overlap}, nil
}

// Split は本文をチャンクに分割します。空白のみの本文では空を返します
func (c *Chunker) Split(text string) []TextChunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	tokens := c.tokenizer.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.size - c.overlap
	var chunks []TextChunk
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.size, len(tokens))

		piece := strings.TrimSpace(c.tokenizer.Decode(tokens[start:end]))
		if piece != "" {
			chunks = append(chunks, TextChunk{
				Ordinal:    len(chunks),
				Text:       piece,
				TokenCount: end - start,
			})
		}

		if end == len(tokens) {
			break
		}
	}

	return chunks
}

// Truncate は本文を先頭から maxTokens トークンに切り詰めます
func (c *Chunker) Truncate(text string, maxTokens int) string {
	tokens := c.tokenizer.Encode(text)
	if maxTokens <= 0 || len(tokens) <= maxTokens {
		return text
	}
	return c.tokenizer.Decode(tokens[:maxTokens])
}
