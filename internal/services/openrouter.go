package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams chat completions from OpenRouter's OpenAI-style API.
type OpenRouter struct {
	apiKey       string
	endpoint     string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

// OpenRouterAPIEndpoint is the public OpenRouter API base.
const OpenRouterAPIEndpoint = "https://openrouter.ai/api/v1"

// NewOpenRouter creates a new OpenRouter instance with the specified API key and system prompt. An
// empty endpoint selects OpenRouterAPIEndpoint.
func NewOpenRouter(apiKey, endpoint, systemPrompt string, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = OpenRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		endpoint:     endpoint,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Chat streams responses from the OpenRouter API for a given sequence of turns. The context can be used
// to cancel ongoing requests.
func (o OpenRouter) Chat(ctx context.Context, model string, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, model, turns)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, model string, turns []models.Turn) (*http.Response, error) {
	conv := conversation(o.systemPrompt, turns)
	msgs := make([]openRouterMessage, len(conv))
	for i, m := range conv {
		msgs[i] = openRouterMessage{Role: m.role, Content: m.content}
	}

	jsonBody, err := json.Marshal(openRouterChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/shutup-web-ui/")
	req.Header.Set("X-Title", "Shutup Web UI")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
