package model

// 流完成原因
const (
	ReasonNormal    = "stop"
	ReasonLength    = "length"
	ReasonCancelled = "cancelled"
)

// 流事件类型
type EventType int

const (
	EventToken EventType = iota
	EventReasoning
	EventSources
	EventToolCall
	EventComplete
	EventError
)

// StreamEvent 归一化后的流事件。一次 HTTP 交换期间连续产生，
// 被会话状态变更逻辑立即消费，不做保留。
type StreamEvent struct {
	Type     EventType
	Text     string      // Token / Reasoning
	Sources  []WebSource // Sources
	ToolName string      // ToolCall
	ToolArgs string      // ToolCall，原始 JSON 参数串
	Reason   string      // Complete
	Message  string      // Error
}

// ChatSettings 一次交换开始时的设置快照，流进行中修改设置不影响已发出的请求
type ChatSettings struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	WebSearchEnabled bool    `json:"web_search_enabled"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
}
