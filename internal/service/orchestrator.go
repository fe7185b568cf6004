package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"ia-backend/internal/model"
	"ia-backend/internal/provider"
	"ia-backend/internal/tools"
	"ia-backend/pkg/logger"
)

// 编排状态机的状态
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateToolExecuting
	StateCompleting
	StateErrored
)

var (
	// ErrStreamInProgress 同一会话同时只允许一次在途交换
	ErrStreamInProgress = errors.New("a stream is already in progress for this conversation")
	// ErrEmptySubmission 文本为空且没有图片
	ErrEmptySubmission = errors.New("message is empty")
	// ErrNotResendable 目标消息不存在或未标记为可重发
	ErrNotResendable = errors.New("message is not resendable")
)

// TurnEvent 一轮交换期间上抛给调用方的事件
type TurnEvent struct {
	MessageID string
	Event     model.StreamEvent
}

// Orchestrator 驱动一个会话的完整轮次：
// 构建请求 → 消费流事件写入 Conversation → 工具回路 → 自动续写 → 收尾。
// 每个会话一个实例，Submit/Resend 同一时刻只允许一个在途。
type Orchestrator struct {
	mu   sync.Mutex
	conv *Conversation

	tools            *tools.Registry
	continuePrompt   string
	maxContinuations int

	state        State
	cancelStream context.CancelFunc
}

func NewOrchestrator(conv *Conversation, registry *tools.Registry, continuePrompt string, maxContinuations int) *Orchestrator {
	if continuePrompt == "" {
		continuePrompt = defaultContinuePrompt
	}
	if maxContinuations <= 0 {
		maxContinuations = 2
	}
	return &Orchestrator{
		conv:             conv,
		tools:            registry,
		continuePrompt:   continuePrompt,
		maxContinuations: maxContinuations,
		state:            StateIdle,
	}
}

// defaultContinuePrompt 自动续写时追加的隐藏用户指令，不进入可见会话
const defaultContinuePrompt = "Continue your previous response exactly where it left off. Do not repeat content you already wrote."

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Messages 当前会话消息的拷贝
func (o *Orchestrator) Messages() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Messages()
}

// Submit 发起一轮新交换。阻塞直到整轮结束（含工具回路与自动续写）。
// 已有在途交换时直接拒绝，不排队。
func (o *Orchestrator) Submit(ctx context.Context, text string, images []string, streamer provider.Streamer, settings model.ChatSettings, notify func(TurnEvent)) error {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return ErrEmptySubmission
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrStreamInProgress
	}
	o.conv.ClearResendable()
	userID := o.conv.AppendUserMessage(text, images)
	assistantID := o.conv.AppendPlaceholderAssistant()
	o.state = StateSending

	streamCtx, cancel := context.WithCancel(ctx)
	o.cancelStream = cancel
	o.mu.Unlock()
	defer cancel()

	return o.runTurn(streamCtx, userID, assistantID, streamer, settings, notify)
}

// Resend 重发一条失败过的用户消息：清掉标记，截断其后的所有消息，重新发起交换
func (o *Orchestrator) Resend(ctx context.Context, messageID string, streamer provider.Streamer, settings model.ChatSettings, notify func(TurnEvent)) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrStreamInProgress
	}

	msg, ok := o.conv.Message(messageID)
	if !ok || msg.Role != model.RoleUser || !msg.Resendable {
		o.mu.Unlock()
		return ErrNotResendable
	}

	o.conv.MarkResendable(messageID, false)
	o.conv.TruncateAfter(messageID)
	assistantID := o.conv.AppendPlaceholderAssistant()
	o.state = StateSending

	streamCtx, cancel := context.WithCancel(ctx)
	o.cancelStream = cancel
	o.mu.Unlock()
	defer cancel()

	return o.runTurn(streamCtx, messageID, assistantID, streamer, settings, notify)
}

// Cancel 中止当前在途交换。已写入的部分内容保留，不算错误。
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateIdle || o.cancelStream == nil {
		return
	}
	o.cancelStream()
}

// turnResult 单次 HTTP 交换消费完后的汇总
type turnResult struct {
	reason   string
	errMsg   string
	toolName string
	toolArgs string
	sources  []model.WebSource
}

func (o *Orchestrator) runTurn(ctx context.Context, userID, assistantID string, streamer provider.Streamer, settings model.ChatSettings, notify func(TurnEvent)) error {
	// 隐藏的续写指令只进请求历史，不进可见会话
	var hidden []model.Message
	continuations := 0

	for {
		o.setState(StateSending)
		history := o.buildRequestHistory(settings, hidden)

		o.setState(StateStreaming)
		result := o.consumeStream(ctx, streamer, history, settings, assistantID, notify)

		// 错误：丢弃空占位，标记触发消息可重发
		if result.errMsg != "" {
			o.failTurn(userID, assistantID, result.errMsg, notify)
			return fmt.Errorf("stream failed: %s", result.errMsg)
		}

		// 用户取消：保留已有内容，标记可重发，不上报错误
		if result.reason == model.ReasonCancelled {
			o.mu.Lock()
			o.conv.MarkResendable(userID, true)
			o.state = StateIdle
			o.mu.Unlock()
			notify(TurnEvent{MessageID: assistantID, Event: model.StreamEvent{
				Type: model.EventComplete, Reason: model.ReasonCancelled,
			}})
			return nil
		}

		// 工具回路：执行工具，结果作为 tool 消息进入历史后重新请求。
		// 两次 HTTP 交换严格串行，第一次流完全结束后才发第二次。
		if result.toolName != "" {
			o.setState(StateToolExecuting)
			notify(TurnEvent{MessageID: assistantID, Event: model.StreamEvent{
				Type: model.EventToolCall, ToolName: result.toolName,
			}})

			toolOutput, err := o.tools.Call(ctx, result.toolName, result.toolArgs)
			if err != nil {
				o.failTurn(userID, assistantID, fmt.Sprintf("tool %s failed: %v", result.toolName, err), notify)
				return fmt.Errorf("tool execution failed: %w", err)
			}

			o.mu.Lock()
			o.conv.AppendToolMessage(toolOutput)
			o.mu.Unlock()
			continue
		}

		o.setState(StateCompleting)

		// 引用来源在流完成时一次性挂到 assistant 消息上
		if len(result.sources) > 0 {
			o.mu.Lock()
			attached := o.conv.AttachSources(assistantID, result.sources)
			o.mu.Unlock()
			if attached {
				notify(TurnEvent{MessageID: assistantID, Event: model.StreamEvent{
					Type: model.EventSources, Sources: result.sources,
				}})
			}
		}

		// 截断自动续写，硬上限防止无限循环
		content := o.assistantContent(assistantID)
		if (result.reason == model.ReasonLength || looksTruncated(content)) && continuations < o.maxContinuations {
			continuations++
			logger.Infof("响应疑似被截断，自动续写第 %d 次", continuations)
			hidden = append(hidden, model.Message{Role: model.RoleUser, Content: o.continuePrompt})
			continue
		}

		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		notify(TurnEvent{MessageID: assistantID, Event: model.StreamEvent{
			Type: model.EventComplete, Reason: result.reason,
		}})
		return nil
	}
}

// consumeStream 消费一次 HTTP 交换的全部事件，按帧到达顺序写入 Conversation
func (o *Orchestrator) consumeStream(ctx context.Context, streamer provider.Streamer, history []model.Message, settings model.ChatSettings, assistantID string, notify func(TurnEvent)) turnResult {
	var result turnResult
	events := streamer.Stream(ctx, history, settings)

	for ev := range events {
		switch ev.Type {
		case model.EventToken:
			o.mu.Lock()
			o.conv.ApplyToken(assistantID, ev.Text)
			o.mu.Unlock()
			notify(TurnEvent{MessageID: assistantID, Event: ev})

		case model.EventReasoning:
			// 只取首个非空推理段，后续忽略
			o.mu.Lock()
			attached := o.conv.AttachReasoning(assistantID, ev.Text)
			o.mu.Unlock()
			if attached {
				notify(TurnEvent{MessageID: assistantID, Event: ev})
			}

		case model.EventSources:
			result.sources = append(result.sources, ev.Sources...)

		case model.EventToolCall:
			result.toolName = ev.ToolName
			result.toolArgs = ev.ToolArgs

		case model.EventComplete:
			result.reason = ev.Reason

		case model.EventError:
			result.errMsg = ev.Message
		}
	}

	if result.reason == "" && result.errMsg == "" && result.toolName == "" {
		result.reason = model.ReasonNormal
	}
	return result
}

func (o *Orchestrator) failTurn(userID, assistantID, errMsg string, notify func(TurnEvent)) {
	o.mu.Lock()
	if msg, ok := o.conv.Message(assistantID); ok && msg.Content == "" {
		o.conv.RemoveMessage(assistantID)
	}
	o.conv.MarkResendable(userID, true)
	o.state = StateIdle
	o.mu.Unlock()

	notify(TurnEvent{MessageID: assistantID, Event: model.StreamEvent{
		Type: model.EventError, Message: errMsg,
	}})
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) assistantContent(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, _ := o.conv.Message(id)
	return msg.Content
}

// buildRequestHistory 请求历史 = 可见消息（去掉空的 assistant 占位）+ 隐藏续写指令，
// 没有 system 消息时把系统提示词插到最前面
func (o *Orchestrator) buildRequestHistory(settings model.ChatSettings, hidden []model.Message) []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	history := make([]model.Message, 0, o.conv.Len()+len(hidden)+1)
	for _, msg := range o.conv.Messages() {
		if msg.Role == model.RoleAssistant && msg.Content == "" {
			continue
		}
		history = append(history, msg)
	}

	if settings.SystemPrompt != "" {
		if len(history) == 0 || history[0].Role != model.RoleSystem {
			history = append([]model.Message{{Role: model.RoleSystem, Content: settings.SystemPrompt}}, history...)
		}
	}

	return append(history, hidden...)
}

var listItemPattern = regexp.MustCompile(`^(\d+[.)]|[-*+]|#{1,6})\s`)

// 标点启发式只对足够长的回答生效，短回答即使没有句末标点通常也是完整的
const minTruncationCheckRunes = 80

// looksTruncated 粗略判断回答是否被截断：代码围栏不配对，
// 或最后一行既不是列表/标题/代码也没有以句末标点收尾。
// 只是启发式，存在误判，上层用续写次数上限兜底。
func looksTruncated(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}

	if strings.Count(trimmed, "```")%2 == 1 {
		return true
	}

	if len([]rune(trimmed)) < minTruncationCheckRunes {
		return false
	}

	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return false
	}
	if listItemPattern.MatchString(last) || strings.HasPrefix(last, "```") || strings.HasPrefix(last, "|") {
		return false
	}

	terminators := []string{".", "!", "?", "…", "。", "！", "？", ":", "：", "\"", "'", ")", "`"}
	for _, t := range terminators {
		if strings.HasSuffix(last, t) {
			return false
		}
	}
	return true
}
