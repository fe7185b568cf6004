package handler

import (
	"net/http"

	"ia-backend/internal/model"
	"ia-backend/internal/settings"

	"github.com/gin-gonic/gin"
)

type SettingsHandler struct {
	store *settings.Store
}

func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// settingsView API 返回体，API key 只回传是否已配置
type settingsView struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	WebSearchEnabled bool    `json:"web_search_enabled"`
	GroqKeySet       bool    `json:"groq_key_set"`
	GoogleKeySet     bool    `json:"google_key_set"`
}

func toView(v settings.Values) settingsView {
	return settingsView{
		Provider:         v.Provider,
		Model:            v.Model,
		Temperature:      v.Temperature,
		MaxTokens:        v.MaxTokens,
		WebSearchEnabled: v.WebSearchEnabled,
		GroqKeySet:       v.GroqAPIKey != "",
		GoogleKeySet:     v.GoogleAPIKey != "",
	}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, toView(h.store.Get()))
}

// UpdateSettings 部分更新，未出现的字段保持不变
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var req model.SettingsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated := h.store.Update(func(v *settings.Values) {
		if req.Provider != nil {
			v.Provider = *req.Provider
		}
		if req.Model != nil {
			v.Model = *req.Model
		}
		if req.Temperature != nil {
			v.Temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			v.MaxTokens = *req.MaxTokens
		}
		if req.WebSearchEnabled != nil {
			v.WebSearchEnabled = *req.WebSearchEnabled
		}
		if req.GroqAPIKey != nil {
			v.GroqAPIKey = *req.GroqAPIKey
		}
		if req.GoogleAPIKey != nil {
			v.GoogleAPIKey = *req.GoogleAPIKey
		}
	})

	c.JSON(http.StatusOK, toView(updated))
}

func (h *SettingsHandler) ResetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, toView(h.store.ResetToDefaults()))
}
