package ai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIGateway streams completions from OpenAI or any
// OpenAI-compatible endpoint using the official SDK.
type OpenAIGateway struct {
	client openai.Client
	model  string
}

// NewOpenAIGateway creates a gateway. baseURL may be empty for the
// public API or point at a compatible server.
func NewOpenAIGateway(apiKey, baseURL, model string) *OpenAIGateway {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGateway{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (g *OpenAIGateway) ID() string {
	return "openai"
}

func (g *OpenAIGateway) Generate(ctx context.Context, req *Request) (<-chan Fragment, error) {
	model := g.model
	if req.Params.Model != "" {
		model = req.Params.Model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Params.Temperature > 0 {
		params.Temperature = openai.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = openai.Float(req.Params.TopP)
	}
	if req.Params.NumPredict > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Params.NumPredict))
	}
	if req.Params.Seed != 0 {
		params.Seed = openai.Int(int64(req.Params.Seed))
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan Fragment, 64)
	go g.handleStream(stream, out)
	return out, nil
}

func (g *OpenAIGateway) handleStream(stream *ssestream.Stream[openai.ChatCompletionChunk], out chan<- Fragment) {
	defer close(out)

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			out <- Fragment{Text: chunk.Choices[0].Delta.Content}
		}
	}
	if err := stream.Err(); err != nil {
		out <- Fragment{Err: classifyTransportErr("openai", err)}
	}
}
