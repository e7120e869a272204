package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const (
	aiBodyLimit    = 2000
	defaultAIModel = "gpt-4o-mini"
	aiSystemPrompt = `You annotate news articles. Reply with a JSON object: {"summary": string (at most 3 sentences), "sentiment": "positive" | "negative" | "neutral", "keywords": array of at most 5 lowercase words}.`
)

var errEmptyCompletion = errors.New("empty completion")

// OpenAISummarizer 通过 OpenAI 兼容接口生成摘要
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer baseURL 为空时使用官方地址
func NewOpenAISummarizer(apiKey, baseURL, model string) *OpenAISummarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = defaultAIModel
	}
	return &OpenAISummarizer{client: openai.NewClientWithConfig(cfg), model: model}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, title, body string) (Annotation, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: aiSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Title: %s\n\n%s", title, capRunes(body, aiBodyLimit))},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.2,
	})
	if err != nil {
		return Annotation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Annotation{}, errEmptyCompletion
	}

	var ann Annotation
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &ann); err != nil {
		return Annotation{}, fmt.Errorf("decode annotation: %w", err)
	}
	return ann, nil
}

func capRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
