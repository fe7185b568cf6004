package model

type ChatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	Images    []string `json:"images"` // base64 编码的图片附件
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type ResendRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
}

// SettingsUpdateRequest 设置更新请求，指针字段区分"未提供"与零值
type SettingsUpdateRequest struct {
	Provider         *string  `json:"provider"`
	Model            *string  `json:"model"`
	Temperature      *float64 `json:"temperature"`
	MaxTokens        *int     `json:"max_tokens"`
	WebSearchEnabled *bool    `json:"web_search_enabled"`
	GroqAPIKey       *string  `json:"groq_api_key"`
	GoogleAPIKey     *string  `json:"google_api_key"`
}
