// Package session implements the chat session state machine and the
// message-send pipeline, independent of any transport or UI.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

var (
	// ErrClosed is returned by operations on a session that has been closed.
	ErrClosed = errors.New("session closed")
	// ErrNoAuth is returned by SignIn/SignOut when no AuthService is bound.
	ErrNoAuth = errors.New("no auth service bound")

	errEmptyCompletion = errors.New("empty completion")
)

// State is a point-in-time copy of the session.
type State struct {
	Version   uint64             `json:"version"`
	Messages  []chat.Message     `json:"messages"`
	Composing string             `json:"composing"`
	Busy      bool               `json:"busy"`
	User      *chat.UserIdentity `json:"user,omitempty"`
	LastError *chat.ErrorInfo    `json:"lastError,omitempty"`
	Welcome   string             `json:"welcome"`
	Avatar    string             `json:"avatar"`
}

// Option customizes a Session.
type Option func(*Session)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) { s.newID = newID }
}

// WithProfile sets the bot profile used for the welcome banner.
func WithProfile(p bot.Profile) Option {
	return func(s *Session) { s.profile = p }
}

// Session owns one conversation view: its message log, composing buffer,
// busy flag, current user and last error.
type Session struct {
	completer CompletionService
	profile   bot.Profile
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	local     []chat.Message
	remote    []chat.Message
	composing string
	busy      bool
	user      *chat.UserIdentity
	lastError *chat.ErrorInfo
	version   uint64
	lastStamp time.Time

	store    MessageStore
	storeSub *subscription
	subSeq   uint64

	auth    AuthService
	authSub *subscription

	// gen changes whenever in-flight work must be abandoned; settlements
	// carrying an older gen are dropped.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	listenerMu sync.RWMutex
	listener   func(State)

	wg sync.WaitGroup
}

// New creates a session that requests replies from completer.
func New(completer CompletionService, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		completer: completer,
		profile:   bot.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.completer == nil {
		s.completer = CompletionFunc(func(context.Context, string) (string, error) {
			return "", chat.ErrNotConfigured
		})
	}
	return s
}

// OnChange registers fn to receive a State after every change. It replaces any
// previous listener; nil removes it.
func (s *Session) OnChange(fn func(State)) {
	s.listenerMu.Lock()
	s.listener = fn
	s.listenerMu.Unlock()
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Messages returns the visible message log.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mergeLog(s.remote, s.local)
}

// Busy reports whether a reply is pending.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SetComposing replaces the composing buffer.
func (s *Session) SetComposing(text string) {
	s.mu.Lock()
	if s.closed || s.composing == text {
		s.mu.Unlock()
		return
	}
	s.composing = text
	st := s.changedLocked()
	s.mu.Unlock()
	s.notify(st)
}

// Submit sends text as a user message and requests a bot reply.
//
// Whitespace-only text is ignored. ErrBusy and chat.ErrUnauthenticated leave the
// state untouched. Every other failure is absorbed: it is recorded as LastError
// and, for completion failures, answered with a fallback bot message.
func (s *Session) Submit(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return chat.ErrBusy
	}
	if s.user == nil {
		s.mu.Unlock()
		return chat.ErrUnauthenticated
	}

	authorID, displayName := chat.Author(s.user)
	userMsg := chat.Message{
		ID:          s.newID(),
		Text:        trimmed,
		Sender:      chat.SenderUser,
		AuthorID:    authorID,
		DisplayName: displayName,
		CreatedAt:   s.stampLocked(),
	}
	s.local = append(s.local, userMsg)
	s.composing = ""
	s.busy = true
	s.lastError = nil

	ctx, gen, store := s.ctx, s.gen, s.store
	s.wg.Add(1)
	st := s.changedLocked()
	s.mu.Unlock()

	s.notify(st)
	go s.run(ctx, gen, store, userMsg)
	return nil
}

func (s *Session) run(ctx context.Context, gen uint64, store MessageStore, userMsg chat.Message) {
	defer s.wg.Done()

	if store != nil {
		s.persist(ctx, gen, store, userMsg)
	}

	reply, err := s.completer.Complete(ctx, userMsg.Text)
	var kind chat.ErrorKind
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyCompletion
	}
	if err != nil {
		reply, kind = chat.ReplyForCompletionError(err)
		log.Warn().Str("component", "session").Err(err).Str("kind", string(kind)).Msg("completion failed, using fallback reply")
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		log.Debug().Str("component", "session").Msg("dropping reply for abandoned submission")
		return
	}

	authorID, displayName := chat.Author(s.user)
	botMsg := chat.Message{
		ID:          s.newID(),
		Text:        reply,
		Sender:      chat.SenderBot,
		AuthorID:    authorID,
		DisplayName: displayName,
		CreatedAt:   s.stampLocked(),
	}
	s.local = append(s.local, botMsg)
	if err != nil {
		s.lastError = &chat.ErrorInfo{Kind: kind, Message: reply, Err: err}
	}
	if store != nil {
		s.persist(ctx, gen, store, botMsg)
	}
	s.busy = false
	st := s.changedLocked()
	s.mu.Unlock()

	s.notify(st)
}

// persist appends msg to the store without blocking the caller.
func (s *Session) persist(ctx context.Context, gen uint64, store MessageStore, msg chat.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := store.Append(ctx, msg)
		if err == nil {
			return
		}
		log.Warn().Str("component", "session").Err(err).Str("message_id", msg.ID).Msg("failed to persist message")

		s.mu.Lock()
		if s.gen != gen || s.closed || replyErrorLocked(s.lastError) {
			s.mu.Unlock()
			return
		}
		s.lastError = &chat.ErrorInfo{Kind: chat.KindPersistence, Message: chat.PersistenceFailed, Err: err}
		st := s.changedLocked()
		s.mu.Unlock()
		s.notify(st)
	}()
}

// replyErrorLocked reports whether info explains the fallback reply of the
// current turn. A later persistence failure must not hide it.
func replyErrorLocked(info *chat.ErrorInfo) bool {
	return info != nil && (info.Kind == chat.KindConfiguration || info.Kind == chat.KindCompletion)
}

// Wait blocks until every in-flight completion and persistence call settles.
func (s *Session) Wait() {
	s.wg.Wait()
}

// ObserveAuth applies an auth transition. nil signs the session out.
func (s *Session) ObserveAuth(identity *chat.UserIdentity) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	var released *subscription
	if identity == nil {
		released = s.resetLocked()
		s.user = nil
		st := s.changedLocked()
		s.mu.Unlock()

		released.release()
		s.notify(st)
		return
	}

	user := *identity
	if s.user != nil && s.user.ID != user.ID {
		released = s.resetLocked()
	}
	s.user = &user
	s.lastError = nil

	var pending *subscription
	store := s.store
	if store != nil && s.storeSub == nil {
		pending = s.reserveSubscriptionLocked()
	}
	st := s.changedLocked()
	s.mu.Unlock()

	released.release()
	if pending != nil {
		s.subscribe(store, pending)
	}
	s.notify(st)
}

// resetLocked clears the log and abandons in-flight work. The caller must
// release the returned subscription after unlocking.
func (s *Session) resetLocked() *subscription {
	s.local = nil
	s.remote = nil
	s.lastError = nil
	s.busy = false
	s.abandonLocked()

	sub := s.storeSub
	s.storeSub = nil
	return sub
}

func (s *Session) abandonLocked() {
	s.cancel()
	s.gen++
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// AttachStore makes store the source of truth for the log. An existing
// subscription to another store is released first.
func (s *Session) AttachStore(store MessageStore) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	released := s.detachLocked()
	s.store = store

	var pending *subscription
	if store != nil && s.user != nil {
		pending = s.reserveSubscriptionLocked()
	}
	s.mu.Unlock()

	released.release()
	if pending != nil {
		s.subscribe(store, pending)
	}
}

// DetachStore stops following the store. The current view is kept as the
// local log.
func (s *Session) DetachStore() {
	s.mu.Lock()
	released := s.detachLocked()
	st := s.changedLocked()
	s.mu.Unlock()

	released.release()
	s.notify(st)
}

func (s *Session) detachLocked() *subscription {
	if s.store == nil {
		return nil
	}
	s.local = mergeLog(s.remote, s.local)
	s.remote = nil
	s.store = nil

	sub := s.storeSub
	s.storeSub = nil
	return sub
}

func (s *Session) reserveSubscriptionLocked() *subscription {
	s.subSeq++
	sub := &subscription{id: s.subSeq}
	s.storeSub = sub
	return sub
}

// subscribe must be called without holding mu: stores may deliver the first
// snapshot synchronously.
func (s *Session) subscribe(store MessageStore, sub *subscription) {
	stop := store.Subscribe(
		func(msgs []chat.Message) { s.applySnapshot(sub.id, msgs) },
		func(err error) { s.applySubscriptionError(sub.id, err) },
	)
	sub.set(stop)
}

func (s *Session) applySnapshot(subID uint64, msgs []chat.Message) {
	s.mu.Lock()
	if s.closed || s.storeSub == nil || s.storeSub.id != subID {
		s.mu.Unlock()
		return
	}
	s.remote = append([]chat.Message(nil), msgs...)
	s.local = pruneConfirmed(s.local, s.remote)
	st := s.changedLocked()
	s.mu.Unlock()

	s.notify(st)
}

func (s *Session) applySubscriptionError(subID uint64, err error) {
	log.Error().Str("component", "session").Err(err).Msg("message store subscription failed")

	s.mu.Lock()
	if s.closed || s.storeSub == nil || s.storeSub.id != subID {
		s.mu.Unlock()
		return
	}
	s.lastError = &chat.ErrorInfo{Kind: chat.KindSubscription, Message: chat.SubscriptionFailed, Err: err}
	st := s.changedLocked()
	s.mu.Unlock()

	s.notify(st)
}

// BindAuth follows auth transitions until the session is closed.
func (s *Session) BindAuth(auth AuthService) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	previous := s.authSub
	s.auth = auth
	sub := &subscription{}
	s.authSub = sub
	s.mu.Unlock()

	previous.release()
	sub.set(auth.Subscribe(s.ObserveAuth))
}

// SignIn asks the bound AuthService for an identity. Failures are recorded as
// LastError without touching the log or the busy flag; the identity itself
// arrives through the auth subscription.
func (s *Session) SignIn(ctx context.Context) error {
	auth, err := s.boundAuth()
	if err != nil {
		return err
	}

	s.setLastError(nil)
	if _, err := auth.SignIn(ctx); err != nil {
		authErr := categorizeSignIn(err)
		log.Warn().Str("component", "session").Err(err).Str("reason", string(authErr.Reason)).Msg("sign-in failed")
		s.setLastError(&chat.ErrorInfo{Kind: chat.KindAuth, Message: authErr.UserMessage(), Err: authErr})
		return authErr
	}
	return nil
}

// SignOut asks the bound AuthService to end the identity.
func (s *Session) SignOut(ctx context.Context) error {
	auth, err := s.boundAuth()
	if err != nil {
		return err
	}

	if err := auth.SignOut(ctx); err != nil {
		log.Warn().Str("component", "session").Err(err).Msg("sign-out failed")
		s.setLastError(&chat.ErrorInfo{Kind: chat.KindSignOut, Message: chat.SignOutFailed, Err: err})
		return err
	}
	return nil
}

func (s *Session) boundAuth() (AuthService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.auth == nil {
		return nil, ErrNoAuth
	}
	return s.auth, nil
}

func categorizeSignIn(err error) *chat.AuthError {
	var authErr *chat.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	if errors.Is(err, context.Canceled) {
		return &chat.AuthError{Reason: chat.AuthCancelled, Err: err}
	}
	return &chat.AuthError{Reason: chat.AuthOther, Err: err}
}

func (s *Session) setLastError(info *chat.ErrorInfo) {
	s.mu.Lock()
	if s.closed || (info == nil && s.lastError == nil) {
		s.mu.Unlock()
		return
	}
	s.lastError = info
	st := s.changedLocked()
	s.mu.Unlock()
	s.notify(st)
}

// Close ends the session. In-flight work is cancelled and its settlement
// ignored; all subscriptions are released.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.busy = false
	s.cancel()
	s.gen++

	storeSub, authSub := s.storeSub, s.authSub
	s.storeSub, s.authSub = nil, nil
	s.mu.Unlock()

	storeSub.release()
	authSub.release()
	s.OnChange(nil)
}

// stampLocked returns a strictly increasing timestamp so a reply always sorts
// after the turn that caused it. Microsecond precision survives every store.
func (s *Session) stampLocked() time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *Session) changedLocked() State {
	s.version++
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{
		Version:   s.version,
		Messages:  mergeLog(s.remote, s.local),
		Composing: s.composing,
		Busy:      s.busy,
		Welcome:   s.profile.Welcome(s.user),
		Avatar:    s.profile.AvatarFor(s.user),
	}
	if s.user != nil {
		user := *s.user
		st.User = &user
	}
	if s.lastError != nil {
		info := *s.lastError
		st.LastError = &info
	}
	return st
}

func (s *Session) notify(st State) {
	s.listenerMu.RLock()
	fn := s.listener
	s.listenerMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}
