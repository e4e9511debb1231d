package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from the OpenAI API, or from any server speaking the same protocol
// when a base URL is given.
type OpenAI struct {
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key and optional base URL.
func NewOpenAI(apiKey, baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Chat is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Chat(ctx context.Context, model string, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		conv := conversation(o.systemPrompt, turns)
		msgs := make([]goopenai.ChatCompletionMessage, len(conv))
		for i, m := range conv {
			msgs[i] = goopenai.ChatCompletionMessage{Role: m.role, Content: m.content}
		}

		req := o.chatRequest(model, msgs)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		o.logger.Debug("Request",
			slog.String("model", model),
			slog.Int("messages", len(msgs)))

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(model string, messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}
