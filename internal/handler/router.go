package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	botHandler "github.com/cyberq/chatbot/backend/internal/handler/bot"
	chatHandler "github.com/cyberq/chatbot/backend/internal/handler/chat"
	"github.com/cyberq/chatbot/backend/internal/handler/stream"
	"github.com/cyberq/chatbot/backend/internal/handler/ws"
	middlewarePkg "github.com/cyberq/chatbot/backend/internal/middleware"
	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/internal/session"
	"github.com/cyberq/chatbot/backend/internal/store"
	"github.com/cyberq/chatbot/backend/pkg/utils"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Store     store.Store
	Completer session.CompletionService
	Profile   bot.Profile
	Server    config.ServerConfig
	Auth      config.AuthConfig
}

// Router is the HTTP surface plus the WebSocket connections it owns.
type Router struct {
	http.Handler
	ws *ws.Handler
}

// CloseConnections asks every WebSocket connection to close.
func (rt *Router) CloseConnections() {
	rt.ws.CloseConnections()
}

// Shutdown closes WebSocket connections and waits for their sessions to settle.
func (rt *Router) Shutdown(ctx context.Context) error {
	return rt.ws.Shutdown(ctx)
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) *Router {
	r := chi.NewRouter()
	wsHandler := ws.New(ws.Deps{
		Completer:      deps.Completer,
		Store:          deps.Store,
		Profile:        deps.Profile,
		Auth:           deps.Auth,
		AllowedOrigins: deps.Server.AllowedOrigins,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Server.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			utils.RespondError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		botHandler.New(deps.Profile).RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)

		api.Group(func(private chi.Router) {
			private.Use(middlewarePkg.RequireIdentity(deps.Auth))
			chatHandler.New(deps.Store).RegisterRoutes(private)
			stream.New(deps.Store).RegisterRoutes(private)
		})
	})

	return &Router{Handler: r, ws: wsHandler}
}

// requestLogger logs one line per request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
