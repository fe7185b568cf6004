package storage

import (
	"ia-backend/internal/model"
)

type Storage interface {
	// 会话管理
	CreateSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)

	// 消息管理
	AddMessage(sessionID string, message *model.Message) error
	GetMessages(sessionID string) ([]*model.Message, error)
	UpdateMessage(sessionID string, message model.Message) error
	// ReplaceMessages 整体替换消息列表（重发截断、流结束落盘用）
	ReplaceMessages(sessionID string, messages []model.Message) error

	// 存储管理
	Init() error
	Close() error
	Backup() error
}
