package provider

import (
	"context"
	"net/http"

	"ia-backend/internal/model"
)

// Framing 上游响应的分帧方式
type Framing int

const (
	// FramingNDJSON 换行分隔 JSON（Ollama）
	FramingNDJSON Framing = iota
	// FramingSSE "data: " 前缀的 Server-Sent Events（Groq / Google）
	FramingSSE
)

// Adapter 把某个 LLM 提供商适配成统一的请求构建 + 帧归一化接口。
// ParseFrame 解析失败返回错误，由上层跳过该帧，不中断整个流；
// 帧内携带提供商错误对象时返回 EventError 事件，由上层终止流。
type Adapter interface {
	Name() string
	Framing() Framing
	BuildRequest(ctx context.Context, history []model.Message, settings model.ChatSettings) (*http.Request, error)
	ParseFrame(frame []byte) ([]model.StreamEvent, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Streamer 对编排层暴露的流式接口，一次调用对应一次 HTTP 交换
type Streamer interface {
	Name() string
	Stream(ctx context.Context, history []model.Message, settings model.ChatSettings) <-chan model.StreamEvent
	ListModels(ctx context.Context) ([]string, error)
}
