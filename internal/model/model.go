package model

import "time"

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// WebSource 网页搜索来源（引用）
type WebSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Message 会话中的一轮消息。
// assistant 消息在流式期间是追加写入的目标，Content 只增不减直到完成。
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	Images     []string    `json:"images,omitempty"`    // base64 编码的图片附件，仅 user 消息
	Reasoning  string      `json:"reasoning,omitempty"` // 推理内容，最多设置一次
	Sources    []WebSource `json:"sources,omitempty"`   // 按 URL 去重后的引用来源
	Resendable bool        `json:"resendable"`          // 流失败后允许用户重发
	Timestamp  time.Time   `json:"timestamp"`
}

// Session 一个会话：有序消息列表加元数据
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
