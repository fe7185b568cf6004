package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ia-backend/internal/model"
)

// Groq Compound 系列模型服务端自带网页搜索，开启搜索时直接切换模型
const (
	groqCompoundModel = "groq/compound"
	groqVisionModel   = "meta-llama/llama-4-scout-17b-16e-instruct"
)

// GroqAdapter Groq 的 OpenAI 兼容 chat/completions 接口，SSE 流
type GroqAdapter struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewGroqAdapter(baseURL, apiKey string, httpClient *http.Client) *GroqAdapter {
	return &GroqAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpClient,
	}
}

func (a *GroqAdapter) Name() string {
	return "groq"
}

func (a *GroqAdapter) Framing() Framing {
	return FramingSSE
}

type groqMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type groqContentBlock struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *groqImageURL `json:"image_url,omitempty"`
}

type groqImageURL struct {
	URL string `json:"url"`
}

type groqChatRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type groqDelta struct {
	Content       string `json:"content,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`
	ToolCalls     []struct {
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
	ExecutedTools []struct {
		SearchResults struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Content string `json:"content"`
			} `json:"results"`
		} `json:"search_results"`
	} `json:"executed_tools,omitempty"`
}

type groqChatChunk struct {
	Choices []struct {
		Delta        groqDelta `json:"delta"`
		Message      groqDelta `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *GroqAdapter) BuildRequest(ctx context.Context, history []model.Message, settings model.ChatSettings) (*http.Request, error) {
	if a.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if settings.Model == "" {
		return nil, ErrInvalidModel
	}

	hasImages := false
	messages := make([]groqMessage, 0, len(history))
	for _, msg := range history {
		if len(msg.Images) == 0 {
			messages = append(messages, groqMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		hasImages = true
		blocks := []groqContentBlock{{Type: "text", Text: msg.Content}}
		for _, img := range msg.Images {
			blocks = append(blocks, groqContentBlock{
				Type:     "image_url",
				ImageURL: &groqImageURL{URL: "data:image/jpeg;base64," + img},
			})
		}
		messages = append(messages, groqMessage{Role: msg.Role, Content: blocks})
	}

	// 带图用视觉模型，开启搜索用 compound 模型
	modelToUse := settings.Model
	if hasImages {
		modelToUse = groqVisionModel
	} else if settings.WebSearchEnabled {
		modelToUse = groqCompoundModel
	}

	chatReq := groqChatRequest{
		Model:       modelToUse,
		Messages:    messages,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Stream:      true,
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	return req, nil
}

func (a *GroqAdapter) ParseFrame(frame []byte) ([]model.StreamEvent, error) {
	var chunk groqChatChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		return []model.StreamEvent{{Type: model.EventError, Message: chunk.Error.Message}}, nil
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]
	delta := choice.Delta
	if delta.Content == "" && delta.Reasoning == "" && len(delta.ToolCalls) == 0 && len(delta.ExecutedTools) == 0 {
		// 非流式响应把内容放在 message 字段
		delta = choice.Message
	}

	var events []model.StreamEvent

	if delta.Reasoning != "" {
		events = append(events, model.StreamEvent{Type: model.EventReasoning, Text: delta.Reasoning})
	}
	if delta.Content != "" {
		events = append(events, model.StreamEvent{Type: model.EventToken, Text: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		events = append(events, model.StreamEvent{
			Type:     model.EventToolCall,
			ToolName: tc.Function.Name,
			ToolArgs: tc.Function.Arguments,
		})
	}
	if sources := extractGroqSources(delta); len(sources) > 0 {
		events = append(events, model.StreamEvent{Type: model.EventSources, Sources: sources})
	}
	if choice.FinishReason != "" {
		events = append(events, model.StreamEvent{
			Type:   model.EventComplete,
			Reason: mapGroqFinishReason(choice.FinishReason),
		})
	}

	return events, nil
}

func extractGroqSources(delta groqDelta) []model.WebSource {
	var sources []model.WebSource
	for _, tool := range delta.ExecutedTools {
		for _, r := range tool.SearchResults.Results {
			if r.Title == "" || r.URL == "" {
				continue
			}
			sources = append(sources, model.WebSource{
				Title:   r.Title,
				URL:     r.URL,
				Content: r.Content,
			})
		}
	}
	return sources
}

func mapGroqFinishReason(reason string) string {
	switch reason {
	case "length":
		return model.ReasonLength
	default:
		return model.ReasonNormal
	}
}

func (a *GroqAdapter) ListModels(ctx context.Context) ([]string, error) {
	if a.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: a.Name(), Status: resp.StatusCode, Message: "failed to list models"}
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
