package tagging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

const analysisPromptTemplate = `You analyze customer feedback and web content for a voice-of-customer pipeline.

Read the document below and answer with a single JSON object:
{
  "sentiment": "positive" | "neutral" | "negative",
  "urgency": true | false,
  "topics": ["short topic phrase", ...],
  "entities": [
    {"type": "Topic|Brand|Person|Organization|Location|Product|Feature", "name": "...", "confidence": 0.0-1.0}
  ]
}

Rules:
- "urgency" is true only when the author reports an outage, safety issue, legal threat or intent to churn.
- Use at most 8 topics and at most 20 entities.
- Use only the listed entity types.

Source type: %s
URL: %s
Title: %s

Document:
"""
%s
"""`

func buildAnalysisPrompt(job coordinator.Job, acquired *coordinator.AcquisitionResult, text string) string {
	return fmt.Sprintf(analysisPromptTemplate,
		job.SourceType,
		acquired.URL,
		acquired.Title,
		text,
	)
}

type rawEntity struct {
	Type       string   `json:"type"`
	Name       string   `json:"name"`
	Confidence *float64 `json:"confidence"`
}

type rawAnalysis struct {
	Sentiment string      `json:"sentiment"`
	Urgency   bool        `json:"urgency"`
	Topics    []string    `json:"topics"`
	Entities  []rawEntity `json:"entities"`
}

// analysis は正規化済みの解析結果
type analysis struct {
	Sentiment coordinator.Sentiment
	Urgency   bool
	Topics    []string
	Entities  []extractedEntity
}

type extractedEntity struct {
	Type       coordinator.EntityType
	Name       string
	Confidence float64
}

// defaultConfidence は confidence が省略されたエンティティに使う値
const defaultConfidence = 0.9

func parseAnalysis(content string) (analysis, error) {
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return analysis{}, fmt.Errorf("解析結果のJSONパースに失敗: %w", err)
	}

	out := analysis{
		Sentiment: normalizeSentiment(raw.Sentiment),
		Urgency:   raw.Urgency,
	}

	seenEntity := make(map[string]bool)
	for _, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		typ := normalizeEntityType(e.Type)
		if name == "" || !typ.Valid() {
			continue
		}
		key := string(typ) + "/" + strings.ToLower(name)
		if seenEntity[key] {
			continue
		}
		seenEntity[key] = true

		confidence := defaultConfidence
		if e.Confidence != nil {
			confidence = clamp01(*e.Confidence)
		}
		out.Entities = append(out.Entities, extractedEntity{Type: typ, Name: name, Confidence: confidence})
	}

	topics := append([]string{}, raw.Topics...)
	for _, e := range out.Entities {
		if e.Type == coordinator.EntityTopic {
			topics = append(topics, e.Name)
		}
	}
	out.Topics = dedupeFold(topics)

	return out, nil
}

func normalizeSentiment(s string) coordinator.Sentiment {
	switch coordinator.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case coordinator.SentimentPositive:
		return coordinator.SentimentPositive
	case coordinator.SentimentNegative:
		return coordinator.SentimentNegative
	default:
		return coordinator.SentimentNeutral
	}
}

func normalizeEntityType(s string) coordinator.EntityType {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return coordinator.EntityType(strings.ToUpper(s[:1]) + strings.ToLower(s[1:]))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupeFold(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
