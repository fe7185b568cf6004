package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ia-backend/internal/model"
)

// OllamaAdapter 本地 Ollama 的 /api/chat 接口，响应为 NDJSON 流
type OllamaAdapter struct {
	baseURL string
	http    *http.Client
}

func NewOllamaAdapter(baseURL string, httpClient *http.Client) *OllamaAdapter {
	return &OllamaAdapter{
		baseURL: baseURL,
		http:    httpClient,
	}
}

func (a *OllamaAdapter) Name() string {
	return "ollama"
}

func (a *OllamaAdapter) Framing() Framing {
	return FramingNDJSON
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Thinking  string `json:"thinking,omitempty"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// webSearchToolSchema 暴露给模型的网页搜索工具定义
var webSearchToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query"
		}
	},
	"required": ["query"]
}`)

func (a *OllamaAdapter) BuildRequest(ctx context.Context, history []model.Message, settings model.ChatSettings) (*http.Request, error) {
	if settings.Model == "" {
		return nil, ErrInvalidModel
	}

	messages := make([]ollamaMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Images:  msg.Images,
		})
	}

	chatReq := ollamaChatRequest{
		Model:    settings.Model,
		Messages: messages,
		Stream:   true,
		Options: &ollamaOptions{
			Temperature: settings.Temperature,
			NumPredict:  settings.MaxTokens,
		},
	}

	if settings.WebSearchEnabled {
		chatReq.Tools = []ollamaTool{{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        "web_search",
				Description: "Search the web for up-to-date information. Use this when the user asks about current events or facts you are unsure about.",
				Parameters:  webSearchToolSchema,
			},
		}}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (a *OllamaAdapter) ParseFrame(frame []byte) ([]model.StreamEvent, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return []model.StreamEvent{{Type: model.EventError, Message: resp.Error}}, nil
	}

	var events []model.StreamEvent

	if resp.Message.Thinking != "" {
		events = append(events, model.StreamEvent{Type: model.EventReasoning, Text: resp.Message.Thinking})
	}
	// 同一帧里 token 在 complete 之前
	if resp.Message.Content != "" {
		events = append(events, model.StreamEvent{Type: model.EventToken, Text: resp.Message.Content})
	}
	for _, tc := range resp.Message.ToolCalls {
		events = append(events, model.StreamEvent{
			Type:     model.EventToolCall,
			ToolName: tc.Function.Name,
			ToolArgs: string(tc.Function.Arguments),
		})
	}
	if resp.Done {
		events = append(events, model.StreamEvent{
			Type:   model.EventComplete,
			Reason: mapOllamaDoneReason(resp.DoneReason),
		})
	}

	return events, nil
}

func mapOllamaDoneReason(reason string) string {
	switch reason {
	case "length":
		return model.ReasonLength
	default:
		return model.ReasonNormal
	}
}

func (a *OllamaAdapter) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: a.Name(), Status: resp.StatusCode, Message: "failed to list models"}
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
