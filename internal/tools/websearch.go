package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebSearchTool 调用外部搜索服务，把结果整理成模型可读的文本。
// 搜索失败对本轮是致命的：错误向上抛，由编排层以流错误收尾，
// 而不是悄悄继续一个没有检索结果的回答。
type WebSearchTool struct {
	searchURL  string
	maxResults int
	http       *http.Client
}

func NewWebSearchTool(searchURL string, maxResults int, httpClient *http.Client) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		searchURL:  searchURL,
		maxResults: maxResults,
		http:       httpClient,
	}
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

type webSearchArgs struct {
	Query string `json:"query"`
}

type webSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Call(ctx context.Context, argsJSON string) (string, error) {
	var args webSearchArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("empty search query")
	}
	if t.searchURL == "" {
		return "", fmt.Errorf("search service not configured")
	}

	body, err := json.Marshal(map[string]any{
		"query":       args.Query,
		"max_results": t.maxResults,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.searchURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("search failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Results) == 0 {
		return "No results found for: " + args.Query, nil
	}

	// 整理成编号列表，模型据此回答并引用
	var sb strings.Builder
	sb.WriteString("Search results for \"" + args.Query + "\":\n")
	for i, r := range result.Results {
		if i >= t.maxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	return sb.String(), nil
}
