package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ia-backend/internal/model"
	"ia-backend/pkg/logger"
)

// DiskStorage 每个会话一个 JSON 文件（含消息），外加一份轻量索引。
// 热会话缓存在内存里，超出 cacheSize 按更新时间淘汰最旧的。
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Session
	cacheSize int
}

type sessionIndexEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Session),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	for _, dir := range []string{d.dataDir, d.sessionsDir(), filepath.Join(d.dataDir, "backup")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	indexPath := d.indexPath()
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		if err := d.saveIndex([]sessionIndexEntry{}); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	logger.Info("磁盘存储初始化完成")
	return nil
}

func (d *DiskStorage) sessionsDir() string {
	return filepath.Join(d.dataDir, "sessions")
}

func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "sessions.json")
}

func (d *DiskStorage) sessionPath(sessionID string) string {
	return filepath.Join(d.sessionsDir(), sessionID+".json")
}

// writeFileAtomic 先写临时文件再 rename，避免写一半的文件被读到
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (d *DiskStorage) loadSessionFromFile(sessionID string) (*model.Session, error) {
	data, err := os.ReadFile(d.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	return &session, nil
}

func (d *DiskStorage) saveSessionToFile(session *model.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(d.sessionPath(session.ID), data)
}

func (d *DiskStorage) saveIndex(entries []sessionIndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(d.indexPath(), data)
}

func (d *DiskStorage) loadIndex() ([]sessionIndexEntry, error) {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []sessionIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []sessionIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return entries, nil
}

// upsertIndex 在持有写锁时调用
func (d *DiskStorage) upsertIndex(session *model.Session) error {
	entries, err := d.loadIndex()
	if err != nil {
		return err
	}

	entry := sessionIndexEntry{
		ID:        session.ID,
		Title:     session.Title,
		Model:     session.Model,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}

	found := false
	for i := range entries {
		if entries[i].ID == session.ID {
			entries[i] = entry
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, entry)
	}

	return d.saveIndex(entries)
}

func (d *DiskStorage) removeFromIndex(sessionID string) error {
	entries, err := d.loadIndex()
	if err != nil {
		return err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.ID != sessionID {
			filtered = append(filtered, e)
		}
	}

	return d.saveIndex(filtered)
}

func (d *DiskStorage) CreateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := d.upsertIndex(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[session.ID] = session
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetSession(sessionID string) (*model.Session, error) {
	d.mu.RLock()
	if session, exists := d.cache[sessionID]; exists {
		d.mu.RUnlock()
		return session, nil
	}
	d.mu.RUnlock()

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.mu.Lock()
	d.cache[sessionID] = session
	d.evictCache()
	d.mu.Unlock()

	return session, nil
}

func (d *DiskStorage) UpdateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.sessionPath(session.ID)); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := d.upsertIndex(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[session.ID] = session

	return nil
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.sessionPath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, sessionID)

	return d.removeFromIndex(sessionID)
}

func (d *DiskStorage) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := d.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sessions := make([]*model.Session, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, &model.Session{
			ID:        e.ID,
			Title:     e.Title,
			Model:     e.Model,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

// getForWrite 在持有写锁时取出会话，缓存未命中则从磁盘加载
func (d *DiskStorage) getForWrite(sessionID string) (*model.Session, error) {
	session, exists := d.cache[sessionID]
	if exists {
		return session, nil
	}

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache[sessionID] = session
	return session, nil
}

func (d *DiskStorage) persist(session *model.Session) error {
	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return d.upsertIndex(session)
}

func (d *DiskStorage) AddMessage(sessionID string, message *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	session.Messages = append(session.Messages, *message)
	session.UpdatedAt = time.Now()

	return d.persist(session)
}

func (d *DiskStorage) GetMessages(sessionID string) ([]*model.Message, error) {
	session, err := d.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	messages := make([]*model.Message, len(session.Messages))
	for i := range session.Messages {
		messages[i] = &session.Messages[i]
	}

	return messages, nil
}

func (d *DiskStorage) UpdateMessage(sessionID string, message model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	for i := range session.Messages {
		if session.Messages[i].ID == message.ID {
			session.Messages[i] = message
			session.UpdatedAt = time.Now()
			return d.persist(session)
		}
	}

	return ErrMessageNotFound
}

func (d *DiskStorage) ReplaceMessages(sessionID string, messages []model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	session.Messages = append([]model.Message(nil), messages...)
	session.UpdatedAt = time.Now()

	return d.persist(session)
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	var entries []cacheEntry
	for id, session := range d.cache {
		entries = append(entries, cacheEntry{id: id, updatedAt: session.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict; i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Session)
	return nil
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().Unix()))
	if err := os.MkdirAll(filepath.Join(backupDir, "sessions"), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	files, err := os.ReadDir(d.sessionsDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	for _, file := range files {
		if err := copyFile(
			filepath.Join(d.sessionsDir(), file.Name()),
			filepath.Join(backupDir, "sessions", file.Name()),
		); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	if err := copyFile(d.indexPath(), filepath.Join(backupDir, "sessions.json")); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("备份完成: %s", backupDir)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
