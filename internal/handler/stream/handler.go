package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
	"github.com/cyberq/chatbot/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler streams the stored log over Server-Sent Events.
type Handler struct {
	store     session.MessageStore
	heartbeat time.Duration
}

// New creates a stream handler following store.
func New(store session.MessageStore) *Handler {
	return &Handler{store: store, heartbeat: defaultHeartbeat}
}

// RegisterRoutes mounts the stream route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

type event struct {
	name string
	data any
}

// handleStream sends one "snapshot" event per store update. Slow clients only
// ever receive the newest snapshot.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pending := make(chan event, 1)
	offer := func(ev event) {
		for {
			select {
			case pending <- ev:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	}

	unsubscribe := h.store.Subscribe(
		func(msgs []chat.Message) {
			offer(event{name: "snapshot", data: map[string]any{"messages": msgs}})
		},
		func(err error) {
			offer(event{name: "error", data: map[string]string{"error": chat.SubscriptionFailed}})
		},
	)
	defer unsubscribe()

	ctx := r.Context()
	log.Debug().Str("component", "sse").Str("remote", r.RemoteAddr).Msg("stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("component", "sse").Str("remote", r.RemoteAddr).Msg("stream closed")
			return
		case ev := <-pending:
			if err := utils.SendSSEEvent(w, flusher, ev.name, ev.data); err != nil {
				log.Debug().Str("component", "sse").Err(err).Msg("client went away")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
