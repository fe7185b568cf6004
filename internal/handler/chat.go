package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"ia-backend/internal/model"
	"ia-backend/internal/service"
	"ia-backend/internal/utils"
	"ia-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// StreamChat 聊天流式接口。一次请求对应一整轮交换，
// 事件以 SSE 推送，轮次结束后连接关闭。
func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	respChan, errChan := h.chatService.StreamChat(c.Request.Context(), req)
	h.pumpStream(c, respChan, errChan)
}

// ResendMessage 重发一条失败过的用户消息，其后的消息被截断丢弃
func (h *ChatHandler) ResendMessage(c *gin.Context) {
	var req model.ResendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	respChan, errChan := h.chatService.ResendMessage(c.Request.Context(), req)
	h.pumpStream(c, respChan, errChan)
}

// pumpStream 把服务层的响应流转发为 SSE，附带心跳防止空闲断连
func (h *ChatHandler) pumpStream(c *gin.Context, respChan <-chan model.ChatResponse, errChan <-chan error) {
	sseWriter := utils.NewSSEWriter(c.Writer)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case resp, ok := <-respChan:
			if !ok {
				sseWriter.Close()
				return
			}

			data, err := json.Marshal(resp)
			if err != nil {
				logger.Errorf("序列化响应失败: %v", err)
				continue
			}
			if err := sseWriter.Write("message", string(data)); err != nil {
				logger.Warnf("SSE 写入失败，客户端可能已断开: %v", err)
				return
			}

		case err := <-errChan:
			if err != nil {
				status := http.StatusInternalServerError
				if err == service.ErrStreamInProgress {
					status = http.StatusConflict
				}
				errorData, _ := json.Marshal(gin.H{
					"error":     err.Error(),
					"status":    status,
					"timestamp": time.Now().Unix(),
				})
				sseWriter.Write("error", string(errorData))
				sseWriter.Close()
				return
			}

		case <-heartbeat.C:
			heartbeatData, _ := json.Marshal(gin.H{
				"type":      "heartbeat",
				"timestamp": time.Now().Unix(),
			})
			if err := sseWriter.Write("heartbeat", string(heartbeatData)); err != nil {
				logger.Warnf("心跳发送失败: %v", err)
				return
			}

		case <-c.Request.Context().Done():
			// 客户端断开后流在服务层继续收尾，这里直接退出
			return
		}
	}
}

// CancelStream 中止会话的在途交换，已生成的部分内容保留
func (h *ChatHandler) CancelStream(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.chatService.CancelStream(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Stream cancelled"})
}

// GetModels 列出 provider 的可用模型
func (h *ChatHandler) GetModels(c *gin.Context) {
	providerName := c.Query("provider")

	models, err := h.chatService.ListModels(c.Request.Context(), providerName)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// 请求体为空时用默认标题
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Title = ""
	}

	session, err := h.chatService.CreateSession(req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	session, err := h.chatService.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.SessionResponse{
		SessionID:    session.ID,
		Title:        session.Title,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
		MessageCount: len(session.Messages),
	})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	messages, err := h.chatService.GetSessionMessages(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *ChatHandler) GetSessionList(c *gin.Context) {
	sessions, err := h.chatService.GetAllSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.chatService.DeleteSession(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

func (h *ChatHandler) ClearAllSessions(c *gin.Context) {
	if err := h.chatService.ClearAllSessions(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All sessions cleared successfully"})
}

func (h *ChatHandler) UpdateSessionTitle(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.chatService.UpdateSessionTitle(sessionID, req.Title); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Title updated successfully"})
}
