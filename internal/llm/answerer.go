// Package llm produces answers for gated questions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyAnswer = errors.New("model returned no answer")

const systemPrompt = "You are a concise tutor. Answer the student's question about the given subject accurately and briefly."

type OpenAIAnswerer struct {
	client *openai.Client
	model  string
}

// NewOpenAIAnswerer builds a chat completion client. An empty baseURL keeps
// the library default.
func NewOpenAIAnswerer(apiKey, baseURL, model string) *OpenAIAnswerer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIAnswerer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (a *OpenAIAnswerer) Answer(ctx context.Context, question, subject string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatPrompt(question, subject)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", ErrEmptyAnswer
	}

	log.Debug().
		Str("model", a.model).
		Int("totalTokens", resp.Usage.TotalTokens).
		Msg("answer generated")

	return answer, nil
}

func formatPrompt(question, subject string) string {
	if subject == "" {
		return question
	}
	return fmt.Sprintf("Subject: %s\n\nQuestion: %s", subject, question)
}

// EchoAnswerer stands in for the model when no API key is configured.
type EchoAnswerer struct{}

func (EchoAnswerer) Answer(_ context.Context, question, subject string) (string, error) {
	return fmt.Sprintf("Paid answer: %q (subject: %s)", question, subject), nil
}
