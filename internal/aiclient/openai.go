package aiclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient generates through the OpenAI chat completions API with native
// token streaming.
type OpenAIClient struct {
	client *openai.Client
	models []string
}

// NewOpenAIClient builds a client against the given key and optional base URL
// override. The model list limits what Validate accepts.
func NewOpenAIClient(apiKey, baseURL string, models []string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if len(models) == 0 {
		models = []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"}
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		models: models,
	}
}

func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) Models() []string {
	return append([]string(nil), c.models...)
}

func (c *OpenAIClient) Validate(req Request) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Reason: "model is required"}
	}
	known := false
	for _, model := range c.models {
		if model == req.Model {
			known = true
			break
		}
	}
	if !known {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Model)}
	}
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "prompt is required"}
	}
	if temperature, ok := floatParam(req.Parameters, "temperature"); ok && (temperature < 0 || temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "temperature must be between 0 and 2"}
	}
	if maxTokens, ok := intParam(req.Parameters, "max_tokens"); ok && maxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "max_tokens must be positive"}
	}
	return nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Generation, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if temperature, ok := floatParam(req.Parameters, "temperature"); ok {
		chatReq.Temperature = float32(temperature)
	}
	if maxTokens, ok := intParam(req.Parameters, "max_tokens"); ok {
		chatReq.MaxTokens = maxTokens
	}
	if topP, ok := floatParam(req.Parameters, "top_p"); ok {
		chatReq.TopP = float32(topP)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}

	return &Generation{Stream: &openAIStream{stream: stream}}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	usage  *Usage
}

func (s *openAIStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{}, io.EOF
			}
			return Chunk{}, fmt.Errorf("openai stream recv: %w", err)
		}

		if resp.Usage != nil {
			s.usage = &Usage{
				Input:  resp.Usage.PromptTokens,
				Output: resp.Usage.CompletionTokens,
				Total:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			// Usage-only frame at the end of the stream.
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return Chunk{Content: delta}, nil
	}
}

func (s *openAIStream) Usage() *Usage {
	return s.usage
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
