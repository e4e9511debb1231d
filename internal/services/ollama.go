package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// DefaultOllamaHost is used when neither the configuration nor OLLAMA_HOST name a server.
const DefaultOllamaHost = "http://localhost:11434"

// Ollama streams chat completions from an Ollama server.
type Ollama struct {
	host         string
	systemPrompt string
	params       LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance talking to the server at host. An empty host selects
// DefaultOllamaHost.
func NewOllama(host, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat streams the model's reply to turns. Breaking out of the returned iterator or cancelling ctx
// aborts the underlying request.
func (o Ollama) Chat(ctx context.Context, model string, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		conv := conversation(o.systemPrompt, turns)
		msgs := make([]api.Message, len(conv))
		for i, m := range conv {
			msgs[i] = api.Message{Role: m.role, Content: m.content}
		}

		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		o.logger.Debug("Request",
			slog.String("host", o.host),
			slog.String("model", model),
			slog.Int("messages", len(msgs)))

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
