package model

import "time"

// ChatResponse SSE 推送给前端的单条流式响应
type ChatResponse struct {
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Content   string      `json:"content,omitempty"`
	Reasoning string      `json:"reasoning,omitempty"`
	Sources   []WebSource `json:"sources,omitempty"`
	Role      string      `json:"role"`
	Type      string      `json:"type"` // token, reasoning, sources, tool, done, error
	Reason    string      `json:"reason,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}
