package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/pkg/utils"
)

// Lister 读取已存储的对话
type Lister interface {
	List(ctx context.Context) ([]chat.Message, error)
}

// Handler 消息记录的HTTP处理器
type Handler struct {
	messages Lister
}

// New 创建消息处理器
func New(messages Lister) *Handler {
	return &Handler{messages: messages}
}

// RegisterRoutes 注册消息相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.handleListMessages)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messages.List(r.Context())
	if err != nil {
		log.Error().Str("component", "http").Err(err).Msg("failed to list messages")
		utils.RespondError(w, http.StatusInternalServerError, chat.SubscriptionFailed)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
