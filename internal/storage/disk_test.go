package storage

import (
	"path/filepath"
	"testing"
	"time"

	"ia-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiskStorage(t *testing.T) (*DiskStorage, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewDiskStorage(dir, 10)
	require.NoError(t, s.Init())
	return s, dir
}

func TestDiskStorageSurvivesRestart(t *testing.T) {
	s, dir := newDiskStorage(t)

	session := newTestSession("s1")
	session.Messages = []model.Message{{ID: "m1", Role: model.RoleUser, Content: "hi"}}
	require.NoError(t, s.CreateSession(session))
	require.NoError(t, s.Close())

	// 新实例冷启动后从磁盘读回
	reopened := NewDiskStorage(dir, 10)
	require.NoError(t, reopened.Init())

	got, err := reopened.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "测试会话", got.Title)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestDiskStorageIndexList(t *testing.T) {
	s, _ := newDiskStorage(t)

	older := newTestSession("older")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(older))
	require.NoError(t, s.CreateSession(newTestSession("newer")))

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	// 最近更新的排前面
	assert.Equal(t, "newer", sessions[0].ID)
	assert.Equal(t, "older", sessions[1].ID)
}

func TestDiskStorageDeleteRemovesFileAndIndex(t *testing.T) {
	s, dir := newDiskStorage(t)

	require.NoError(t, s.CreateSession(newTestSession("s1")))
	require.NoError(t, s.DeleteSession("s1"))

	_, err := s.GetSession("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.NoFileExists(t, filepath.Join(dir, "sessions", "s1.json"))
}

func TestDiskStorageReplaceMessagesPersists(t *testing.T) {
	s, dir := newDiskStorage(t)
	require.NoError(t, s.CreateSession(newTestSession("s1")))

	messages := []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "question"},
		{ID: "m2", Role: model.RoleAssistant, Content: "answer", Sources: []model.WebSource{{Title: "A", URL: "https://a.example"}}},
	}
	require.NoError(t, s.ReplaceMessages("s1", messages))

	reopened := NewDiskStorage(dir, 10)
	require.NoError(t, reopened.Init())
	got, err := reopened.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "answer", got[1].Content)
	require.Len(t, got[1].Sources, 1)
}

func TestDiskStorageUpdateMessage(t *testing.T) {
	s, _ := newDiskStorage(t)
	require.NoError(t, s.CreateSession(newTestSession("s1")))
	require.NoError(t, s.AddMessage("s1", &model.Message{ID: "m1", Role: model.RoleUser, Content: "old"}))

	require.NoError(t, s.UpdateMessage("s1", model.Message{ID: "m1", Role: model.RoleUser, Content: "new", Resendable: true}))

	msgs, err := s.GetMessages("s1")
	require.NoError(t, err)
	assert.Equal(t, "new", msgs[0].Content)
	assert.True(t, msgs[0].Resendable)

	assert.ErrorIs(t, s.UpdateMessage("s1", model.Message{ID: "missing"}), ErrMessageNotFound)
}
