package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ia-backend/internal/config"
	"ia-backend/internal/model"
	"ia-backend/internal/provider"
	"ia-backend/internal/settings"
	"ia-backend/internal/storage"
	"ia-backend/internal/tools"
	"ia-backend/internal/utils"
	"ia-backend/pkg/logger"
)

// defaultSystemPrompt 未在配置或设置里指定系统提示词时使用
const defaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely. " +
	"When you cite information from the web, mention the source. " +
	"Use Markdown formatting where it improves readability."

const defaultTitlePrefix = "新对话"

type ChatService struct {
	storage  storage.Storage
	settings *settings.Store
	cfg      *config.Config
	registry *tools.Registry

	// 每个会话一个编排器，懒加载，会话删除时一并清掉
	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
}

func NewChatService(cfg *config.Config, settingsStore *settings.Store) *ChatService {
	var store storage.Storage

	if cfg.Storage.Type == "disk" {
		store = storage.NewDiskStorage(cfg.Storage.DataDir, cfg.Storage.CacheSize)
	} else {
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("存储初始化失败，回退到内存存储: %v", err)
		store = storage.NewMemoryStorage()
		store.Init()
	}

	searchTimeout := cfg.Tools.SearchTimeout
	if searchTimeout == 0 {
		searchTimeout = 30 * time.Second
	}
	searchClient := utils.NewHTTPClient(searchTimeout)

	cs := &ChatService{
		storage:  store,
		settings: settingsStore,
		cfg:      cfg,
		registry: tools.NewRegistry(
			tools.NewWebSearchTool(cfg.Tools.SearchURL, cfg.Tools.MaxResults, searchClient),
		),
		orchestrators: make(map[string]*Orchestrator),
	}

	go cs.cleanupOldSessions()
	if cfg.Storage.Type == "disk" && cfg.Storage.BackupInterval > 0 {
		go cs.backupLoop()
	}

	return cs
}

func (s *ChatService) CreateSession(title string) (*model.Session, error) {
	if title == "" {
		title = defaultTitlePrefix + " " + time.Now().Format("2006-01-02 15:04")
	}

	session := &model.Session{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Title:     title,
		Model:     s.settings.Get().Model,
		Messages:  make([]model.Message, 0),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (s *ChatService) GetSession(sessionID string) (*model.Session, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *ChatService) GetSessionMessages(sessionID string) ([]model.Message, error) {
	// 有活跃编排器时内存里的消息才是最新的
	s.mu.Lock()
	orch, exists := s.orchestrators[sessionID]
	s.mu.Unlock()
	if exists {
		return orch.Messages(), nil
	}

	messages, err := s.storage.GetMessages(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	result := make([]model.Message, len(messages))
	for i, msg := range messages {
		result[i] = *msg
	}
	return result, nil
}

func (s *ChatService) GetAllSessions() ([]*model.Session, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *ChatService) DeleteSession(sessionID string) error {
	s.mu.Lock()
	if orch, exists := s.orchestrators[sessionID]; exists {
		orch.Cancel()
		delete(s.orchestrators, sessionID)
	}
	s.mu.Unlock()

	if err := s.storage.DeleteSession(sessionID); err != nil {
		if err == storage.ErrSessionNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *ChatService) ClearAllSessions() error {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.DeleteSession(session.ID); err != nil {
			logger.Errorf("删除会话 %s 失败: %v", session.ID, err)
		}
	}
	return nil
}

func (s *ChatService) UpdateSessionTitle(sessionID, title string) error {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	session.Title = title
	session.UpdatedAt = time.Now()

	if err := s.storage.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// getOrCreateOrchestrator 会话的编排器不存在时从存储加载历史消息创建
func (s *ChatService) getOrCreateOrchestrator(sessionID string) (*Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if orch, exists := s.orchestrators[sessionID]; exists {
		return orch, nil
	}

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	conv := NewConversation(sessionID, session.Messages)
	orch := NewOrchestrator(conv, s.registry, s.cfg.Chat.ContinuePrompt, s.cfg.Chat.MaxContinuations)
	s.orchestrators[sessionID] = orch
	return orch, nil
}

// snapshotSettings 交换开始时对用户设置取一次快照，流进行中的修改不影响本次请求
func (s *ChatService) snapshotSettings() model.ChatSettings {
	v := s.settings.Get()

	systemPrompt := s.cfg.Chat.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return model.ChatSettings{
		Provider:         v.Provider,
		Model:            v.Model,
		Temperature:      v.Temperature,
		MaxTokens:        v.MaxTokens,
		WebSearchEnabled: v.WebSearchEnabled,
		SystemPrompt:     systemPrompt,
	}
}

// buildStreamer 按 provider 名构建流式客户端。
// 设置里的 API key 优先于配置文件里的。
// 流式请求不设整体超时，长响应靠取消终止。
func (s *ChatService) buildStreamer(providerName string) (provider.Streamer, error) {
	v := s.settings.Get()
	streamClient := utils.NewStreamingHTTPClient()

	switch providerName {
	case "ollama":
		adapter := provider.NewOllamaAdapter(s.cfg.Ollama.BaseURL, streamClient)
		return provider.NewClient(adapter, streamClient), nil

	case "groq":
		apiKey := v.GroqAPIKey
		if apiKey == "" {
			apiKey = s.cfg.Groq.APIKey
		}
		adapter := provider.NewGroqAdapter(s.cfg.Groq.BaseURL, apiKey, streamClient)
		return provider.NewClient(adapter, streamClient), nil

	case "google":
		apiKey := v.GoogleAPIKey
		if apiKey == "" {
			apiKey = s.cfg.Google.APIKey
		}
		adapter := provider.NewGoogleAdapter(s.cfg.Google.BaseURL, apiKey, streamClient)
		return provider.NewClient(adapter, streamClient), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}
}

// ListModels 列出指定 provider 的可用模型，为空时用当前设置的 provider
func (s *ChatService) ListModels(ctx context.Context, providerName string) ([]string, error) {
	if providerName == "" {
		providerName = s.settings.Get().Provider
	}

	streamer, err := s.buildStreamer(providerName)
	if err != nil {
		return nil, err
	}
	return streamer.ListModels(ctx)
}

// StreamChat 发起一轮流式交换，事件通过返回的 channel 推给调用方。
// 整轮结束（含工具回路与自动续写）后 channel 关闭，消息落盘。
func (s *ChatService) StreamChat(ctx context.Context, req model.ChatRequest) (<-chan model.ChatResponse, <-chan error) {
	respChan := make(chan model.ChatResponse, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(respChan)
		defer close(errChan)

		if req.SessionID == "" {
			errChan <- fmt.Errorf("session_id is required")
			return
		}

		orch, err := s.getOrCreateOrchestrator(req.SessionID)
		if err != nil {
			errChan <- err
			return
		}

		snap := s.snapshotSettings()
		streamer, err := s.buildStreamer(snap.Provider)
		if err != nil {
			errChan <- err
			return
		}

		s.maybeDeriveTitle(req.SessionID, req.Message, orch)

		notify := func(ev TurnEvent) {
			respChan <- s.toResponse(req.SessionID, ev)
		}

		submitErr := orch.Submit(ctx, req.Message, req.Images, streamer, snap, notify)
		s.persistConversation(req.SessionID, orch, snap.Model)

		if submitErr != nil && (submitErr == ErrStreamInProgress || submitErr == ErrEmptySubmission) {
			errChan <- submitErr
		}
	}()

	return respChan, errChan
}

// ResendMessage 重发一条标记为可重发的用户消息
func (s *ChatService) ResendMessage(ctx context.Context, req model.ResendRequest) (<-chan model.ChatResponse, <-chan error) {
	respChan := make(chan model.ChatResponse, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(respChan)
		defer close(errChan)

		orch, err := s.getOrCreateOrchestrator(req.SessionID)
		if err != nil {
			errChan <- err
			return
		}

		snap := s.snapshotSettings()
		streamer, err := s.buildStreamer(snap.Provider)
		if err != nil {
			errChan <- err
			return
		}

		notify := func(ev TurnEvent) {
			respChan <- s.toResponse(req.SessionID, ev)
		}

		resendErr := orch.Resend(ctx, req.MessageID, streamer, snap, notify)
		s.persistConversation(req.SessionID, orch, snap.Model)

		if resendErr != nil && (resendErr == ErrStreamInProgress || resendErr == ErrNotResendable) {
			errChan <- resendErr
		}
	}()

	return respChan, errChan
}

// CancelStream 中止会话的在途交换。没有在途交换时是无害的空操作。
func (s *ChatService) CancelStream(sessionID string) error {
	s.mu.Lock()
	orch, exists := s.orchestrators[sessionID]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	orch.Cancel()
	return nil
}

// toResponse 编排事件转成 SSE 响应体
func (s *ChatService) toResponse(sessionID string, ev TurnEvent) model.ChatResponse {
	resp := model.ChatResponse{
		SessionID: sessionID,
		MessageID: ev.MessageID,
		Role:      model.RoleAssistant,
		Timestamp: time.Now().Unix(),
	}

	switch ev.Event.Type {
	case model.EventToken:
		resp.Type = "token"
		resp.Content = ev.Event.Text
	case model.EventReasoning:
		resp.Type = "reasoning"
		resp.Reasoning = ev.Event.Text
	case model.EventSources:
		resp.Type = "sources"
		resp.Sources = ev.Event.Sources
	case model.EventToolCall:
		resp.Type = "tool"
		resp.Content = ev.Event.ToolName
	case model.EventComplete:
		resp.Type = "done"
		resp.Reason = ev.Event.Reason
	case model.EventError:
		resp.Type = "error"
		resp.Error = ev.Event.Message
	}

	return resp
}

// maybeDeriveTitle 第一条用户消息生成会话标题，只覆盖默认标题
func (s *ChatService) maybeDeriveTitle(sessionID, text string, orch *Orchestrator) {
	if strings.TrimSpace(text) == "" || len(orch.Messages()) > 0 {
		return
	}

	session, err := s.storage.GetSession(sessionID)
	if err != nil || !strings.HasPrefix(session.Title, defaultTitlePrefix) {
		return
	}

	session.Title = truncateRunes(strings.TrimSpace(text), 30)
	session.UpdatedAt = time.Now()
	if err := s.storage.UpdateSession(session); err != nil {
		logger.Warnf("更新会话标题失败: %v", err)
	}
}

// persistConversation 整轮结束后把内存态消息整体写回存储
func (s *ChatService) persistConversation(sessionID string, orch *Orchestrator, modelName string) {
	if err := s.storage.ReplaceMessages(sessionID, orch.Messages()); err != nil {
		logger.Errorf("持久化会话 %s 消息失败: %v", sessionID, err)
		return
	}

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return
	}
	if session.Model != modelName {
		session.Model = modelName
		s.storage.UpdateSession(session)
	}
}

func (s *ChatService) cleanupOldSessions() {
	interval := s.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ttl := s.cfg.Session.TTL
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.storage.ListSessions()
		if err != nil {
			logger.Errorf("清理会话时列举失败: %v", err)
			continue
		}

		cutoff := time.Now().Add(-ttl)
		for _, session := range sessions {
			if !session.UpdatedAt.Before(cutoff) {
				continue
			}
			// 有在途交换的会话不清理
			s.mu.Lock()
			orch, exists := s.orchestrators[session.ID]
			s.mu.Unlock()
			if exists && orch.State() != StateIdle {
				continue
			}

			if err := s.DeleteSession(session.ID); err != nil {
				logger.Errorf("清理过期会话 %s 失败: %v", session.ID, err)
			} else {
				logger.Infof("已清理过期会话: %s", session.ID)
			}
		}
	}
}

func (s *ChatService) backupLoop() {
	ticker := time.NewTicker(s.cfg.Storage.BackupInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := s.storage.Backup(); err != nil {
			logger.Errorf("定期备份失败: %v", err)
		}
	}
}

// GetStorage 返回存储实例，供其他组件共享
func (s *ChatService) GetStorage() storage.Storage {
	return s.storage
}

func truncateRunes(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}
