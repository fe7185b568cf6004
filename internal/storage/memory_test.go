package storage

import (
	"testing"
	"time"

	"ia-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) *model.Session {
	return &model.Session{
		ID:        id,
		Title:     "测试会话",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemoryStorageSessionLifecycle(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.Init())

	require.NoError(t, s.CreateSession(newTestSession("s1")))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "测试会话", got.Title)

	got.Title = "改名"
	require.NoError(t, s.UpdateSession(got))
	got, _ = s.GetSession("s1")
	assert.Equal(t, "改名", got.Title)

	require.NoError(t, s.DeleteSession("s1"))
	_, err = s.GetSession("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStorageNotFoundErrors(t *testing.T) {
	s := NewMemoryStorage()

	_, err := s.GetSession("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.DeleteSession("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, s.UpdateSession(newTestSession("nope")), ErrSessionNotFound)
	assert.ErrorIs(t, s.AddMessage("nope", &model.Message{}), ErrSessionNotFound)
	assert.ErrorIs(t, s.ReplaceMessages("nope", nil), ErrSessionNotFound)
}

func TestMemoryStorageMessages(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.CreateSession(newTestSession("s1")))

	require.NoError(t, s.AddMessage("s1", &model.Message{ID: "m1", Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, s.AddMessage("s1", &model.Message{ID: "m2", Role: model.RoleAssistant, Content: "hello"}))

	msgs, err := s.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)

	require.NoError(t, s.UpdateMessage("s1", model.Message{ID: "m2", Role: model.RoleAssistant, Content: "updated"}))
	msgs, _ = s.GetMessages("s1")
	assert.Equal(t, "updated", msgs[1].Content)

	assert.ErrorIs(t, s.UpdateMessage("s1", model.Message{ID: "missing"}), ErrMessageNotFound)
}

func TestMemoryStorageReplaceMessages(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.CreateSession(newTestSession("s1")))
	require.NoError(t, s.AddMessage("s1", &model.Message{ID: "old", Content: "stale"}))

	replacement := []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "one"},
		{ID: "m2", Role: model.RoleAssistant, Content: "two"},
	}
	require.NoError(t, s.ReplaceMessages("s1", replacement))

	msgs, err := s.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)

	// 整体替换后原切片修改不影响存储
	replacement[0].Content = "mutated"
	msgs, _ = s.GetMessages("s1")
	assert.Equal(t, "one", msgs[0].Content)
}

func TestMemoryStorageListSessions(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.CreateSession(newTestSession("a")))
	require.NoError(t, s.CreateSession(newTestSession("b")))

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}
