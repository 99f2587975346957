package bot

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/pkg/utils"
)

// Handler 机器人档案的HTTP处理器
type Handler struct {
	profile bot.Profile
}

// New 创建机器人档案处理器
func New(profile bot.Profile) *Handler {
	return &Handler{profile: profile}
}

// RegisterRoutes 注册机器人相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/bot", h.handleProfile)
}

func (h *Handler) handleProfile(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"profile": h.profile,
		"welcome": h.profile.Welcome(nil),
	})
}
