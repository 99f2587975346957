package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/service/auth"
	"github.com/cyberq/chatbot/backend/internal/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// 客户端帧类型
const (
	FrameSignIn  = "signIn"
	FrameSignOut = "signOut"
	FrameCompose = "compose"
	FrameSubmit  = "submit"
)

// 服务端帧类型
const (
	FrameState = "state"
	FrameError = "error"
)

// Deps 所有连接共享的依赖
type Deps struct {
	Completer      session.CompletionService
	Store          session.MessageStore
	Profile        bot.Profile
	Auth           config.AuthConfig
	AllowedOrigins []string
}

// Handler WebSocket聊天处理器，每个连接对应一个会话
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

// New 创建WebSocket处理器
func New(deps Deps) *Handler {
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(deps.AllowedOrigins, deps.Auth.TrustForwardedHeaders),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		base:   base,
		cancel: cancel,
	}
}

// CloseConnections 拒绝新连接并通知现有连接关闭
func (h *Handler) CloseConnections() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}

// Shutdown 关闭所有连接，等待会话结束或 ctx 到期
func (h *Handler) Shutdown(ctx context.Context) error {
	h.CloseConnections()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns.Add(1)
	return true
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorPayload struct {
	Error string         `json:"error"`
	Kind  chat.ErrorKind `json:"kind,omitempty"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "websocket").Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	sess := session.New(h.deps.Completer, session.WithProfile(h.deps.Profile))
	out := newOutbox()
	sess.OnChange(out.pushState)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer cancel()
		writeLoop(ctx, conn, out)
	}()

	defer func() {
		sess.Close()
		sess.Wait()
		cancel()
		writer.Wait()
	}()

	if h.deps.Store != nil {
		sess.AttachStore(h.deps.Store)
	}
	sess.BindAuth(auth.NewService(auth.ProviderFor(h.deps.Auth, r.Header)))
	out.pushState(sess.State())

	log.Debug().Str("component", "websocket").Str("remote", r.RemoteAddr).Msg("connection opened")

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		if ctx.Err() != nil {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Str("component", "websocket").Err(err).Msg("read failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleFrame(ctx, sess, out, frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, sess *session.Session, out *outbox, frame inboundFrame) {
	switch frame.Type {
	case FrameSignIn:
		// 失败通过 State.LastError 上报
		_ = sess.SignIn(ctx)
	case FrameSignOut:
		_ = sess.SignOut(ctx)
	case FrameCompose:
		sess.SetComposing(frame.Text)
	case FrameSubmit:
		if err := sess.Submit(frame.Text); err != nil {
			out.pushError(submitError(err))
		}
	default:
		out.pushError(errorPayload{Error: "unknown frame type " + frame.Type})
	}
}

func submitError(err error) errorPayload {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return errorPayload{Error: chat.UnauthenticatedText, Kind: chat.KindUnauthenticated}
	case errors.Is(err, chat.ErrBusy):
		return errorPayload{Error: err.Error(), Kind: chat.KindBusy}
	default:
		return errorPayload{Error: err.Error()}
	}
}

// outbox 将帧交给唯一的写协程。状态只保留最新一帧，错误帧有数量上限。
type outbox struct {
	mu     sync.Mutex
	state  *session.State
	errs   []errorPayload
	signal chan struct{}
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) pushState(st session.State) {
	o.mu.Lock()
	if o.state == nil || st.Version > o.state.Version {
		o.state = &st
	}
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) pushError(e errorPayload) {
	o.mu.Lock()
	if len(o.errs) < 16 {
		o.errs = append(o.errs, e)
	}
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() (*session.State, []errorPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, errs := o.state, o.errs
	o.state, o.errs = nil, nil
	return st, errs
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out *outbox) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			// 限制等待对端关闭回复的时间
			_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-out.signal:
			st, errs := out.drain()
			for _, e := range errs {
				if err := writeFrame(conn, FrameError, e); err != nil {
					return
				}
			}
			if st == nil || (sent != 0 && st.Version <= sent) {
				continue
			}
			if err := writeFrame(conn, FrameState, st); err != nil {
				return
			}
			sent = st.Version
		}
	}
}

func writeFrame(conn *websocket.Conn, kind string, data any) error {
	payload, err := json.Marshal(outboundFrame{Type: kind, Data: data})
	if err != nil {
		log.Error().Str("component", "websocket").Err(err).Str("frame", kind).Msg("failed to encode frame")
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Str("component", "websocket").Err(err).Msg("write failed")
		return err
	}
	return nil
}

// originChecker 接受同源请求和白名单来源。信任代理转发身份时忽略通配符。
func originChecker(allowed []string, credentialed bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || sameOrigin(origin, r.Host) {
			return true
		}
		for _, o := range allowed {
			if o == origin || (o == "*" && !credentialed) {
				return true
			}
		}
		return false
	}
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
