package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Groq      GroqConfig      `mapstructure:"groq"`
	Google    GoogleConfig    `mapstructure:"google"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Settings  SettingsConfig  `mapstructure:"settings"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type OllamaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GroqConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GoogleConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChatConfig 聊天编排相关配置
type ChatConfig struct {
	SystemPrompt     string `mapstructure:"system_prompt"`
	ContinuePrompt   string `mapstructure:"continue_prompt"`
	MaxContinuations int    `mapstructure:"max_continuations"`
}

type ToolsConfig struct {
	SearchURL     string        `mapstructure:"search_url"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	MaxResults    int           `mapstructure:"max_results"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type StorageConfig struct {
	Type           string        `mapstructure:"type"`
	DataDir        string        `mapstructure:"data_dir"`
	CacheSize      int           `mapstructure:"cache_size"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
}

type SettingsConfig struct {
	FilePath string `mapstructure:"file_path"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHAT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// 配置文件优先，配置文件中没有设置时回退到环境变量
	if cfg.Groq.APIKey == "" {
		if apiKey := os.Getenv("GROQ_API_KEY"); apiKey != "" {
			cfg.Groq.APIKey = apiKey
		}
	}
	if cfg.Google.APIKey == "" {
		if apiKey := os.Getenv("GOOGLE_AI_API_KEY"); apiKey != "" {
			cfg.Google.APIKey = apiKey
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.Groq.BaseURL == "" {
		c.Groq.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Google.BaseURL == "" {
		c.Google.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Chat.MaxContinuations == 0 {
		c.Chat.MaxContinuations = 2
	}
	if c.Tools.MaxResults == 0 {
		c.Tools.MaxResults = 5
	}
}

func Get() *Config {
	return cfg
}
