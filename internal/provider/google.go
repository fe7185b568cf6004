package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ia-backend/internal/model"
)

// GoogleAdapter Google Generative AI 的 streamGenerateContent 接口，alt=sse 流
type GoogleAdapter struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewGoogleAdapter(baseURL, apiKey string, httpClient *http.Client) *GoogleAdapter {
	return &GoogleAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpClient,
	}
}

func (a *GoogleAdapter) Name() string {
	return "google"
}

func (a *GoogleAdapter) Framing() Framing {
	return FramingSSE
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

type googleTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type googleGenerateRequest struct {
	Contents          []googleContent        `json:"contents"`
	SystemInstruction *googleContent         `json:"system_instruction,omitempty"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
	Tools             []googleTool           `json:"tools,omitempty"`
}

type googleGenerateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason      string `json:"finishReason,omitempty"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata,omitempty"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *GoogleAdapter) BuildRequest(ctx context.Context, history []model.Message, settings model.ChatSettings) (*http.Request, error) {
	if a.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if settings.Model == "" {
		return nil, ErrInvalidModel
	}

	var system *googleContent
	contents := make([]googleContent, 0, len(history))
	for _, msg := range history {
		if msg.Role == model.RoleSystem {
			system = &googleContent{Parts: []googlePart{{Text: msg.Content}}}
			continue
		}
		// Google 侧只有 user / model 两种角色，tool 结果并入 user 轮
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		parts := []googlePart{{Text: msg.Content}}
		for _, img := range msg.Images {
			parts = append(parts, googlePart{
				InlineData: &googleInlineData{MimeType: "image/jpeg", Data: img},
			})
		}
		contents = append(contents, googleContent{Role: role, Parts: parts})
	}

	genReq := googleGenerateRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: googleGenerationConfig{
			Temperature:     settings.Temperature,
			MaxOutputTokens: settings.MaxTokens,
		},
	}
	if settings.WebSearchEnabled {
		genReq.Tools = []googleTool{{GoogleSearch: &struct{}{}}}
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// 前端可能传 "models/gemini-x" 形式的展示名
	modelName := strings.TrimPrefix(settings.Model, "models/")
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s&alt=sse",
		a.baseURL, url.PathEscape(modelName), url.QueryEscape(a.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (a *GoogleAdapter) ParseFrame(frame []byte) ([]model.StreamEvent, error) {
	var chunk googleGenerateChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		return []model.StreamEvent{{Type: model.EventError, Message: chunk.Error.Message}}, nil
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	candidate := chunk.Candidates[0]
	var events []model.StreamEvent

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() > 0 {
		events = append(events, model.StreamEvent{Type: model.EventToken, Text: text.String()})
	}

	if gm := candidate.GroundingMetadata; gm != nil {
		var sources []model.WebSource
		for _, gc := range gm.GroundingChunks {
			if gc.Web == nil || gc.Web.URI == "" {
				continue
			}
			sources = append(sources, model.WebSource{Title: gc.Web.Title, URL: gc.Web.URI})
		}
		if len(sources) > 0 {
			events = append(events, model.StreamEvent{Type: model.EventSources, Sources: sources})
		}
	}

	if candidate.FinishReason != "" {
		events = append(events, model.StreamEvent{
			Type:   model.EventComplete,
			Reason: mapGoogleFinishReason(candidate.FinishReason),
		})
	}

	return events, nil
}

func mapGoogleFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return model.ReasonLength
	default:
		return model.ReasonNormal
	}
}

func (a *GoogleAdapter) ListModels(ctx context.Context) ([]string, error) {
	if a.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint := fmt.Sprintf("%s/models?key=%s", a.baseURL, url.QueryEscape(a.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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

	var models struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(models.Models))
	for _, m := range models.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
