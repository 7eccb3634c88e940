package ai

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaGateway streams completions from a local Ollama daemon using
// the official SDK.
type OllamaGateway struct {
	client *api.Client
	model  string
}

// NewOllamaGateway creates a gateway against baseURL (default
// http://localhost:11434) with a default model used when the request
// does not name one.
func NewOllamaGateway(baseURL, model string) *OllamaGateway {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "qwen3"
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	// Local inference can be slow; the per-turn deadline comes from the
	// caller's context.
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	return &OllamaGateway{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

func (g *OllamaGateway) ID() string {
	return "ollama"
}

// Generate streams the completion. The SDK delivers chunks through a
// callback; they are forwarded onto the returned channel in order.
func (g *OllamaGateway) Generate(ctx context.Context, req *Request) (<-chan Fragment, error) {
	model := g.model
	if req.Params.Model != "" {
		model = req.Params.Model
	}

	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  buildOllamaOptions(req.Params),
	}

	out := make(chan Fragment, 64)
	go func() {
		defer close(out)

		err := g.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				select {
				case out <- Fragment{Text: resp.Message.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			out <- Fragment{Err: classifyTransportErr("ollama", err)}
		}
	}()

	return out, nil
}

func buildOllamaOptions(p Params) map[string]any {
	opts := make(map[string]any)
	if p.Temperature > 0 {
		opts["temperature"] = p.Temperature
	}
	if p.TopK > 0 {
		opts["top_k"] = p.TopK
	}
	if p.TopP > 0 {
		opts["top_p"] = p.TopP
	}
	if p.RepeatPenalty > 0 {
		opts["repeat_penalty"] = p.RepeatPenalty
	}
	if p.Seed != 0 {
		opts["seed"] = p.Seed
	}
	if p.NumPredict > 0 {
		opts["num_predict"] = p.NumPredict
	}
	if p.NumCtx > 0 {
		opts["num_ctx"] = p.NumCtx
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// ListModels returns the models available on the Ollama daemon.
func ListModels(ctx context.Context, baseURL string) ([]string, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(parsedURL, &http.Client{Timeout: 5 * time.Second})
	resp, err := client.List(ctx)
	if err != nil {
		return nil, classifyTransportErr("ollama", err)
	}

	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
