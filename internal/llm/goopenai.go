package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// GoOpenAIService implements Service via the community go-openai client
// rather than the teacher's hand-rolled HTTP client in openai.go. The
// server and csvbatch commands hand it to internal/translate when
// OPENAI_BASE_URL is set, and use OpenAIService's direct HTTP calls
// otherwise.
type GoOpenAIService struct {
	client *openai.Client
}

// NewGoOpenAIService constructs a Service backed by github.com/sashabaranov/go-openai.
// baseURL, when non-empty, points the client at an OpenAI-compatible
// endpoint (e.g. a self-hosted gateway) instead of api.openai.com.
func NewGoOpenAIService(apiKey string, baseURL string) *GoOpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &GoOpenAIService{client: openai.NewClientWithConfig(cfg)}
}

func toOpenAIRole(role string) string {
	switch role {
	case "assistant":
		return openai.ChatMessageRoleAssistant
	case "system":
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func (s *GoOpenAIService) GetModels(ctx context.Context) ([]string, error) {
	list, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("goopenai: list models: %w", err)
	}
	var out []string
	for _, m := range list.Models {
		if strings.Contains(m.ID, "gpt") {
			out = append(out, m.ID)
		}
	}
	return out, nil
}

func (s *GoOpenAIService) ChatCompletion(ctx context.Context, model string, messages []ChatMessage, temperature float64) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{Model: model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    toOpenAIRole(m.Role),
			Content: m.Content,
		})
	}
	if temperature != 0 {
		req.Temperature = float32(temperature)
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("goopenai: chat completion: %w", err)
	}

	out := &ChatResponse{ID: resp.ID, Object: resp.Object, Created: resp.Created, Model: resp.Model}
	for _, c := range resp.Choices {
		entry := struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		}{Index: c.Index, FinishReason: string(c.FinishReason)}
		entry.Message.Role = c.Message.Role
		entry.Message.Content = c.Message.Content
		out.Choices = append(out.Choices, entry)
	}
	out.Usage.PromptTokens = resp.Usage.PromptTokens
	out.Usage.CompletionTokens = resp.Usage.CompletionTokens
	out.Usage.TotalTokens = resp.Usage.TotalTokens
	return out, nil
}

func (s *GoOpenAIService) ChatCompletionStream(ctx context.Context, model string, messages []ChatMessage, temperature float64) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		req := openai.ChatCompletionRequest{Model: model, Stream: true}
		for _, m := range messages {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: toOpenAIRole(m.Role), Content: m.Content})
		}
		if temperature != 0 {
			req.Temperature = float32(temperature)
		}

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errorChan <- fmt.Errorf("goopenai: create stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if err.Error() != "EOF" {
					errorChan <- err
				}
				return
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				select {
				case contentChan <- resp.Choices[0].Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return contentChan, errorChan
}

func (s *GoOpenAIService) GetContextWindow(ctx context.Context, model string) (int, error) {
	switch {
	case strings.HasPrefix(model, "gpt-4-turbo"), strings.HasPrefix(model, "gpt-4o"):
		return 128000, nil
	case strings.HasPrefix(model, "gpt-4-32k"):
		return 32768, nil
	case strings.HasPrefix(model, "gpt-4"):
		return 8192, nil
	case strings.HasPrefix(model, "gpt-3.5-turbo"):
		return 16385, nil
	default:
		return 4096, nil
	}
}
