package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingAPIKey 凭证缺失，本次交换直接失败，不重试
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrInvalidModel 模型名为空或非法
	ErrInvalidModel = errors.New("invalid model name")
)

// ProviderError 提供商在响应中明确报告的错误（非 2xx 状态或帧内 error 对象）
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// extractErrorMessage 从错误响应体里尽量提取人类可读的消息。
// 兼容 {"error":{"message":"..."}} 和 {"error":"..."} 两种形态，
// 都不匹配时原样返回响应体。
func extractErrorMessage(body []byte) string {
	var withObject struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &withObject); err == nil && withObject.Error.Message != "" {
		return withObject.Error.Message
	}

	var withString struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &withString); err == nil && withString.Error != "" {
		return withString.Error
	}

	return strings.TrimSpace(string(body))
}
