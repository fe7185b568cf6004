package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"ia-backend/pkg/logger"
)

// 内置默认值，ResetToDefaults 恢复到这组
const (
	DefaultProvider         = "groq"
	DefaultModel            = "groq/compound"
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 8192
	DefaultWebSearchEnabled = true

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 128
	MaxMaxTokens   = 8192
)

// Values 全部用户偏好，整体序列化到磁盘
type Values struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	WebSearchEnabled bool    `json:"web_search_enabled"`
	GroqAPIKey       string  `json:"groq_api_key,omitempty"`
	GoogleAPIKey     string  `json:"google_api_key,omitempty"`
}

func defaultValues() Values {
	return Values{
		Provider:         DefaultProvider,
		Model:            DefaultModel,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		WebSearchEnabled: DefaultWebSearchEnabled,
	}
}

// Store 轻量用户偏好存储，读写都走内存，变更后落盘
type Store struct {
	mu       sync.RWMutex
	values   Values
	filePath string
}

func NewStore(filePath string) *Store {
	s := &Store{
		values:   defaultValues(),
		filePath: filePath,
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("读取设置文件失败: %v", err)
		}
		return
	}
	var v Values
	if err := json.Unmarshal(data, &v); err != nil {
		logger.Warnf("设置文件损坏，使用默认值: %v", err)
		return
	}
	s.values = sanitize(v)
}

func (s *Store) save() {
	if s.filePath == "" {
		return
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		logger.Errorf("序列化设置失败: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		logger.Errorf("创建设置目录失败: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		logger.Errorf("写入设置文件失败: %v", err)
	}
}

// sanitize 把越界的数值拉回合法区间
func sanitize(v Values) Values {
	if v.Provider == "" {
		v.Provider = DefaultProvider
	}
	if v.Model == "" {
		v.Model = DefaultModel
	}
	if v.Temperature < MinTemperature {
		v.Temperature = MinTemperature
	}
	if v.Temperature > MaxTemperature {
		v.Temperature = MaxTemperature
	}
	if v.MaxTokens < MinMaxTokens {
		v.MaxTokens = MinMaxTokens
	}
	if v.MaxTokens > MaxMaxTokens {
		v.MaxTokens = MaxMaxTokens
	}
	return v
}

// Get 当前全部偏好的一份拷贝
func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// Update 应用一次变更并落盘，f 在持锁状态下执行
func (s *Store) Update(f func(v *Values)) Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.values)
	s.values = sanitize(s.values)
	s.save()
	return s.values
}

// ResetToDefaults 恢复内置默认值（保留 API key）
func (s *Store) ResetToDefaults() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	groqKey := s.values.GroqAPIKey
	googleKey := s.values.GoogleAPIKey
	s.values = defaultValues()
	s.values.GroqAPIKey = groqKey
	s.values.GoogleAPIKey = googleKey
	s.save()
	return s.values
}
