package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ia-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroqParseFrameDeltaToken(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	events, err := a.ParseFrame([]byte(`{"choices":[{"delta":{"content":"Hel"}}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventToken, events[0].Type)
	assert.Equal(t, "Hel", events[0].Text)
}

func TestGroqParseFrameReasoning(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	events, err := a.ParseFrame([]byte(`{"choices":[{"delta":{"reasoning":"thinking about it"}}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventReasoning, events[0].Type)
}

func TestGroqParseFrameFinishReason(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	events, err := a.ParseFrame([]byte(`{"choices":[{"delta":{"content":"end."},"finish_reason":"length"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventToken, events[0].Type)
	assert.Equal(t, model.EventComplete, events[1].Type)
	assert.Equal(t, model.ReasonLength, events[1].Reason)
}

func TestGroqParseFrameMessageFallback(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	// 非流式响应把内容放在 message 字段
	events, err := a.ParseFrame([]byte(`{"choices":[{"message":{"content":"full answer."},"finish_reason":"stop"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "full answer.", events[0].Text)
	assert.Equal(t, model.ReasonNormal, events[1].Reason)
}

func TestGroqParseFrameExecutedToolSources(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	frame := `{"choices":[{"delta":{"executed_tools":[{"search_results":{"results":[` +
		`{"title":"Go Blog","url":"https://go.dev/blog","content":"news"},` +
		`{"title":"","url":"https://skip.me"}` +
		`]}}]}}]}`
	events, err := a.ParseFrame([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSources, events[0].Type)
	require.Len(t, events[0].Sources, 1)
	assert.Equal(t, "Go Blog", events[0].Sources[0].Title)
	assert.Equal(t, "https://go.dev/blog", events[0].Sources[0].URL)
}

func TestGroqParseFrameErrorObject(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	events, err := a.ParseFrame([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.Equal(t, "rate limit exceeded", events[0].Message)
}

func TestGroqParseFrameEmptyChoices(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)

	events, err := a.ParseFrame([]byte(`{"choices":[]}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGroqBuildRequestRequiresAPIKey(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "", http.DefaultClient)

	_, err := a.BuildRequest(context.Background(), nil, model.ChatSettings{Model: "llama-3.3-70b"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func decodeGroqRequest(t *testing.T, req *http.Request) groqChatRequest {
	t.Helper()
	body, _ := io.ReadAll(req.Body)
	var decoded groqChatRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	return decoded
}

func TestGroqBuildRequestModelSwaps(t *testing.T) {
	a := NewGroqAdapter("https://api.groq.com/openai/v1", "key", http.DefaultClient)
	history := []model.Message{{Role: model.RoleUser, Content: "hi"}}

	// 开启搜索切换到 compound 模型
	req, err := a.BuildRequest(context.Background(), history, model.ChatSettings{Model: "llama-3.3-70b", WebSearchEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, groqCompoundModel, decodeGroqRequest(t, req).Model)
	assert.Equal(t, "Bearer key", req.Header.Get("Authorization"))

	// 带图切换到视觉模型，优先级高于搜索
	withImage := []model.Message{{Role: model.RoleUser, Content: "what is this", Images: []string{"aGk="}}}
	req, err = a.BuildRequest(context.Background(), withImage, model.ChatSettings{Model: "llama-3.3-70b", WebSearchEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, groqVisionModel, decodeGroqRequest(t, req).Model)
}

func TestGroqListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[{"id":"groq/compound"},{"id":"llama-3.3-70b-versatile"}]}`)
	}))
	defer srv.Close()

	a := NewGroqAdapter(srv.URL, "key", srv.Client())
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"groq/compound", "llama-3.3-70b-versatile"}, models)
}
