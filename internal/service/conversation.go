package service

import (
	"time"

	"ia-backend/internal/model"

	"github.com/google/uuid"
)

// Conversation 一个会话的内存态消息列表。
// 所有操作都是同步的，由 Orchestrator 串行调用，结构本身不加锁。
// 同一时刻最多只有一条 assistant 消息处于流式写入中。
type Conversation struct {
	SessionID string
	messages  []model.Message

	// 占位 assistant 消息还不存在时先暂存，创建时一并带上
	pendingSources   []model.WebSource
	pendingReasoning string
}

func NewConversation(sessionID string, messages []model.Message) *Conversation {
	return &Conversation{
		SessionID: sessionID,
		messages:  append([]model.Message(nil), messages...),
	}
}

// Messages 当前消息列表的拷贝
func (c *Conversation) Messages() []model.Message {
	return append([]model.Message(nil), c.messages...)
}

func (c *Conversation) Len() int {
	return len(c.messages)
}

// Message 按 ID 查找
func (c *Conversation) Message(id string) (model.Message, bool) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return c.messages[i], true
		}
	}
	return model.Message{}, false
}

func (c *Conversation) find(id string) *model.Message {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return &c.messages[i]
		}
	}
	return nil
}

// AppendUserMessage 追加一条用户消息，返回其 ID
func (c *Conversation) AppendUserMessage(text string, images []string) string {
	msg := model.Message{
		ID:        uuid.New().String(),
		SessionID: c.SessionID,
		Role:      model.RoleUser,
		Content:   text,
		Images:    images,
		Timestamp: time.Now(),
	}
	c.messages = append(c.messages, msg)
	return msg.ID
}

// AppendPlaceholderAssistant 追加空的 assistant 占位消息作为流式写入目标
func (c *Conversation) AppendPlaceholderAssistant() string {
	msg := model.Message{
		ID:        uuid.New().String(),
		SessionID: c.SessionID,
		Role:      model.RoleAssistant,
		Timestamp: time.Now(),
	}
	// 补上早于占位消息到达的暂存内容
	if len(c.pendingSources) > 0 {
		msg.Sources = c.pendingSources
		c.pendingSources = nil
	}
	if c.pendingReasoning != "" {
		msg.Reasoning = c.pendingReasoning
		c.pendingReasoning = ""
	}
	c.messages = append(c.messages, msg)
	return msg.ID
}

// AppendToolMessage 工具执行结果作为 tool 角色消息进入历史
func (c *Conversation) AppendToolMessage(content string) string {
	msg := model.Message{
		ID:        uuid.New().String(),
		SessionID: c.SessionID,
		Role:      model.RoleTool,
		Content:   content,
		Timestamp: time.Now(),
	}
	c.messages = append(c.messages, msg)
	return msg.ID
}

// ApplyToken 往指定 assistant 消息追加文本。
// 消息不存在时静默忽略：并发错误路径可能已经移除了目标消息。
func (c *Conversation) ApplyToken(id, text string) {
	msg := c.find(id)
	if msg == nil || msg.Role != model.RoleAssistant {
		return
	}
	msg.Content += text
}

// AttachReasoning 设置推理内容，只生效一次，之后的调用忽略
func (c *Conversation) AttachReasoning(id, text string) bool {
	msg := c.find(id)
	if msg == nil {
		if c.pendingReasoning == "" {
			c.pendingReasoning = text
			return true
		}
		return false
	}
	if msg.Reasoning != "" {
		return false
	}
	msg.Reasoning = text
	return true
}

// AttachSources 设置引用来源，只生效一次，之后的调用忽略
func (c *Conversation) AttachSources(id string, sources []model.WebSource) bool {
	msg := c.find(id)
	if msg == nil {
		if c.pendingSources == nil {
			c.pendingSources = sources
			return true
		}
		return false
	}
	if msg.Sources != nil {
		return false
	}
	msg.Sources = sources
	return true
}

func (c *Conversation) MarkResendable(id string, flag bool) {
	if msg := c.find(id); msg != nil {
		msg.Resendable = flag
	}
}

// ClearResendable 新一轮提交前清掉所有重发标记
func (c *Conversation) ClearResendable() {
	for i := range c.messages {
		c.messages[i].Resendable = false
	}
}

// RemoveMessage 移除消息（流失败后丢弃空的 assistant 占位）
func (c *Conversation) RemoveMessage(id string) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

// TruncateAfter 截断到指定消息（含），移除其后的所有消息，重发前调用
func (c *Conversation) TruncateAfter(id string) bool {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages = c.messages[:i+1]
			return true
		}
	}
	return false
}
