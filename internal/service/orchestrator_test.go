package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ia-backend/internal/model"
	"ia-backend/internal/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreamer 按脚本逐次交换返回事件，记录每次收到的请求历史
type fakeStreamer struct {
	mu        sync.Mutex
	script    [][]model.StreamEvent
	histories [][]model.Message
	gate      chan struct{} // 非 nil 时第一次交换阻塞到 gate 关闭
}

func (f *fakeStreamer) Name() string { return "fake" }

func (f *fakeStreamer) ListModels(ctx context.Context) ([]string, error) {
	return []string{"fake-model"}, nil
}

func (f *fakeStreamer) Stream(ctx context.Context, history []model.Message, settings model.ChatSettings) <-chan model.StreamEvent {
	f.mu.Lock()
	call := len(f.histories)
	f.histories = append(f.histories, append([]model.Message(nil), history...))
	gate := f.gate
	f.mu.Unlock()

	ch := make(chan model.StreamEvent, 16)
	go func() {
		defer close(ch)
		if call == 0 && gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- model.StreamEvent{Type: model.EventComplete, Reason: model.ReasonCancelled}
				return
			}
		}
		if call >= len(f.script) {
			ch <- model.StreamEvent{Type: model.EventComplete, Reason: model.ReasonNormal}
			return
		}
		for _, ev := range f.script[call] {
			ch <- ev
		}
	}()
	return ch
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

type fakeTool struct {
	output string
	err    error
	calls  []string
}

func (ft *fakeTool) Name() string { return "web_search" }

func (ft *fakeTool) Call(ctx context.Context, argsJSON string) (string, error) {
	ft.calls = append(ft.calls, argsJSON)
	return ft.output, ft.err
}

func newTestOrchestrator(registry *tools.Registry) *Orchestrator {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return NewOrchestrator(NewConversation("s1", nil), registry, "", 2)
}

func testSettings() model.ChatSettings {
	return model.ChatSettings{
		Provider:     "fake",
		Model:        "fake-model",
		SystemPrompt: "be helpful",
	}
}

func collectTurnEvents() (func(TurnEvent), *[]TurnEvent) {
	var events []TurnEvent
	return func(ev TurnEvent) { events = append(events, ev) }, &events
}

func TestSubmitSimpleTurn(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "Hello "},
		{Type: model.EventToken, Text: "world."},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	orch := newTestOrchestrator(nil)
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	msgs := orch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world.", msgs[1].Content)
	assert.Equal(t, StateIdle, orch.State())

	last := (*events)[len(*events)-1]
	assert.Equal(t, model.EventComplete, last.Event.Type)
	assert.Equal(t, model.ReasonNormal, last.Event.Reason)

	// 请求历史带系统提示词，不带空占位
	require.Len(t, streamer.histories, 1)
	history := streamer.histories[0]
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleSystem, history[0].Role)
	assert.Equal(t, model.RoleUser, history[1].Role)
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	err := orch.Submit(context.Background(), "   \n ", nil, &fakeStreamer{}, testSettings(), notify)
	assert.ErrorIs(t, err, ErrEmptySubmission)
	assert.Empty(t, orch.Messages())
}

func TestSubmitAllowsImageOnly(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "a cat."},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	err := orch.Submit(context.Background(), "", []string{"aGk="}, streamer, testSettings(), notify)
	require.NoError(t, err)
	assert.Len(t, orch.Messages(), 2)
}

func TestSubmitRejectsWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	streamer := &fakeStreamer{
		gate: gate,
		script: [][]model.StreamEvent{{
			{Type: model.EventComplete, Reason: model.ReasonNormal},
		}},
	}
	orch := newTestOrchestrator(nil)

	done := make(chan error, 1)
	go func() {
		done <- orch.Submit(context.Background(), "slow", nil, streamer, testSettings(), func(TurnEvent) {})
	}()

	require.Eventually(t, func() bool {
		return orch.State() != StateIdle
	}, time.Second, time.Millisecond)

	err := orch.Submit(context.Background(), "second", nil, streamer, testSettings(), func(TurnEvent) {})
	assert.ErrorIs(t, err, ErrStreamInProgress)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, orch.State())
}

func TestToolRoundTrip(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{
		{
			{Type: model.EventToolCall, ToolName: "web_search", ToolArgs: `{"query":"go releases"}`},
			{Type: model.EventComplete, Reason: model.ReasonNormal},
		},
		{
			{Type: model.EventToken, Text: "Go 1.24 is out."},
			{Type: model.EventComplete, Reason: model.ReasonNormal},
		},
	}}
	tool := &fakeTool{output: "1. Go 1.24 released"}
	orch := newTestOrchestrator(tools.NewRegistry(tool))
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "any go news?", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	// 两次 HTTP 交换，第二次历史里带工具结果
	assert.Equal(t, 2, streamer.callCount())
	require.Len(t, tool.calls, 1)
	assert.JSONEq(t, `{"query":"go releases"}`, tool.calls[0])

	second := streamer.histories[1]
	var toolMsg *model.Message
	for i := range second {
		if second[i].Role == model.RoleTool {
			toolMsg = &second[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "1. Go 1.24 released", toolMsg.Content)

	msgs := orch.Messages()
	assert.Equal(t, "Go 1.24 is out.", msgs[len(msgs)-1].Content)

	var sawToolEvent bool
	for _, ev := range *events {
		if ev.Event.Type == model.EventToolCall {
			sawToolEvent = true
		}
	}
	assert.True(t, sawToolEvent)
}

func TestToolFailureEndsTurnWithError(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToolCall, ToolName: "web_search", ToolArgs: `{"query":"x"}`},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	tool := &fakeTool{err: errors.New("search backend down")}
	orch := newTestOrchestrator(tools.NewRegistry(tool))
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "search please", nil, streamer, testSettings(), notify)
	require.Error(t, err)

	// 空占位被丢弃，用户消息可重发
	msgs := orch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.True(t, msgs[0].Resendable)

	last := (*events)[len(*events)-1]
	assert.Equal(t, model.EventError, last.Event.Type)
}

func TestAutoContinueCapped(t *testing.T) {
	// 每次交换都返回截断的响应，续写次数要被上限卡住
	truncated := []model.StreamEvent{
		{Type: model.EventToken, Text: "unfinished"},
		{Type: model.EventComplete, Reason: model.ReasonLength},
	}
	streamer := &fakeStreamer{script: [][]model.StreamEvent{truncated, truncated, truncated, truncated}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	err := orch.Submit(context.Background(), "tell me", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	// 初次 + 两次续写
	assert.Equal(t, 3, streamer.callCount())

	// 续写指令作为隐藏用户消息进请求历史，不进可见会话
	second := streamer.histories[1]
	assert.Equal(t, model.RoleUser, second[len(second)-1].Role)
	assert.Equal(t, defaultContinuePrompt, second[len(second)-1].Content)
	require.Len(t, orch.Messages(), 2)

	// 续写内容追加到同一条 assistant 消息
	msgs := orch.Messages()
	assert.Equal(t, "unfinishedunfinishedunfinished", msgs[1].Content)
}

func TestShortAnswerWithoutPunctuationEndsNormally(t *testing.T) {
	// 短回答即使没有句末标点也不触发续写
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "Hi"},
		{Type: model.EventToken, Text: " there"},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	err := orch.Submit(context.Background(), "Hello", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	assert.Equal(t, 1, streamer.callCount())
	msgs := orch.Messages()
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, StateIdle, orch.State())
}

func TestAutoContinueOnLengthReason(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{
		{
			{Type: model.EventToken, Text: "part one."},
			{Type: model.EventComplete, Reason: model.ReasonLength},
		},
		{
			{Type: model.EventToken, Text: " part two."},
			{Type: model.EventComplete, Reason: model.ReasonNormal},
		},
	}}
	orch := newTestOrchestrator(nil)
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "long answer please", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	assert.Equal(t, 2, streamer.callCount())
	msgs := orch.Messages()
	assert.Equal(t, "part one. part two.", msgs[1].Content)

	last := (*events)[len(*events)-1]
	assert.Equal(t, model.ReasonNormal, last.Event.Reason)
}

func TestStreamErrorRemovesPlaceholder(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventError, Message: "provider exploded"},
	}}}
	orch := newTestOrchestrator(nil)
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify)
	require.Error(t, err)

	msgs := orch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.True(t, msgs[0].Resendable)
	assert.Equal(t, StateIdle, orch.State())

	last := (*events)[len(*events)-1]
	assert.Equal(t, model.EventError, last.Event.Type)
	assert.Contains(t, last.Event.Message, "provider exploded")
}

func TestStreamErrorKeepsPartialContent(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "partial answer"},
		{Type: model.EventError, Message: "connection reset"},
	}}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	err := orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify)
	require.Error(t, err)

	// 有内容的占位不删
	msgs := orch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer", msgs[1].Content)
	assert.True(t, msgs[0].Resendable)
}

func TestCancellationPreservesPartial(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "half an ans"},
		{Type: model.EventComplete, Reason: model.ReasonCancelled},
	}}}
	orch := newTestOrchestrator(nil)
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	msgs := orch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "half an ans", msgs[1].Content)
	assert.True(t, msgs[0].Resendable)

	last := (*events)[len(*events)-1]
	assert.Equal(t, model.ReasonCancelled, last.Event.Reason)
}

func TestReasoningAndSourcesSetOncePerTurn(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventReasoning, Text: "first"},
		{Type: model.EventReasoning, Text: "ignored"},
		{Type: model.EventToken, Text: "answer."},
		{Type: model.EventSources, Sources: []model.WebSource{{Title: "A", URL: "https://a.example"}}},
		{Type: model.EventSources, Sources: []model.WebSource{{Title: "B", URL: "https://b.example"}}},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	orch := newTestOrchestrator(nil)
	notify, events := collectTurnEvents()

	err := orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify)
	require.NoError(t, err)

	msgs := orch.Messages()
	assert.Equal(t, "first", msgs[1].Reasoning)
	// 来源在完成时一次性挂上，跨帧累计
	require.Len(t, msgs[1].Sources, 2)

	var reasoningCount int
	for _, ev := range *events {
		if ev.Event.Type == model.EventReasoning {
			reasoningCount++
		}
	}
	assert.Equal(t, 1, reasoningCount)
}

func TestResendTruncatesAndRetries(t *testing.T) {
	failing := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventError, Message: "boom"},
	}}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	require.Error(t, orch.Submit(context.Background(), "hi", nil, failing, testSettings(), notify))

	msgs := orch.Messages()
	require.Len(t, msgs, 1)
	userID := msgs[0].ID
	require.True(t, msgs[0].Resendable)

	retry := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "worked this time."},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	require.NoError(t, orch.Resend(context.Background(), userID, retry, testSettings(), notify))

	msgs = orch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[0].Resendable)
	assert.Equal(t, "worked this time.", msgs[1].Content)
}

func TestResendRejectsNonResendable(t *testing.T) {
	streamer := &fakeStreamer{script: [][]model.StreamEvent{{
		{Type: model.EventToken, Text: "fine."},
		{Type: model.EventComplete, Reason: model.ReasonNormal},
	}}}
	orch := newTestOrchestrator(nil)
	notify, _ := collectTurnEvents()

	require.NoError(t, orch.Submit(context.Background(), "hi", nil, streamer, testSettings(), notify))
	userID := orch.Messages()[0].ID

	err := orch.Resend(context.Background(), userID, streamer, testSettings(), notify)
	assert.ErrorIs(t, err, ErrNotResendable)

	err = orch.Resend(context.Background(), "missing", streamer, testSettings(), notify)
	assert.ErrorIs(t, err, ErrNotResendable)
}

func TestLooksTruncated(t *testing.T) {
	long := "The first thing to understand about this topic is that it has several moving parts, and "

	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"empty", "", false},
		{"short no punctuation", "Hi there", false},
		{"long sentence", long + "that is the whole story.", false},
		{"long question", long + "does that make sense?", false},
		{"long midword", long + "then the function retu", true},
		{"odd fences", "```go\nfunc main() {", true},
		{"even fences", "```go\nfunc main() {}\n```", false},
		{"long list item", long + "as follows:\n- second point", false},
		{"long numbered item", long + "as follows:\n2. another point", false},
		{"long heading", long + "in detail.\n## Next Section", false},
		{"long colon", long + "here are the steps:", false},
		{"long table row", long + "see below.\n| a | b |", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, looksTruncated(tc.content))
		})
	}
}
