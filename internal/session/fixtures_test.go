package session_test

import (
	"context"
	"sync"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

var ada = chat.UserIdentity{ID: "uid-ada", DisplayName: "Ada Lovelace", AvatarURL: "https://example.com/ada.png"}

func reply(text string) session.CompletionFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

func failing(err error) session.CompletionFunc {
	return func(context.Context, string) (string, error) { return "", err }
}

// gatedCompleter blocks every call until release is closed or ctx ends.
type gatedCompleter struct {
	release chan struct{}
	started chan string
	text    string
}

func newGatedCompleter(text string) *gatedCompleter {
	return &gatedCompleter{release: make(chan struct{}), started: make(chan string, 8), text: text}
}

func (g *gatedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	g.started <- prompt
	select {
	case <-g.release:
		return g.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// echoStore echoes every appended message back to subscribers in append order.
type echoStore struct {
	mu        sync.Mutex
	messages  []chat.Message
	subs      map[int]func([]chat.Message)
	nextID    int
	appendErr error
	released  int
}

func newEchoStore(seed ...chat.Message) *echoStore {
	return &echoStore{messages: append([]chat.Message(nil), seed...), subs: map[int]func([]chat.Message){}}
}

func (e *echoStore) Append(_ context.Context, msg chat.Message) error {
	e.mu.Lock()
	if e.appendErr != nil {
		e.mu.Unlock()
		return e.appendErr
	}
	e.messages = append(e.messages, msg)
	snapshot, subs := e.snapshotLocked()
	e.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return nil
}

func (e *echoStore) Subscribe(onUpdate func([]chat.Message), _ func(error)) session.Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = onUpdate
	snapshot, _ := e.snapshotLocked()
	e.mu.Unlock()

	onUpdate(snapshot)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
		e.released++
	}
}

func (e *echoStore) snapshotLocked() ([]chat.Message, []func([]chat.Message)) {
	snapshot := append([]chat.Message(nil), e.messages...)
	subs := make([]func([]chat.Message), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return snapshot, subs
}

func (e *echoStore) subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *echoStore) releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *echoStore) stored() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]chat.Message(nil), e.messages...)
}

// heldStore records appends but only publishes the snapshots a test hands it.
type heldStore struct {
	mu       sync.Mutex
	appended []chat.Message
	onUpdate func([]chat.Message)
}

func (h *heldStore) Append(_ context.Context, msg chat.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appended = append(h.appended, msg)
	return nil
}

func (h *heldStore) Subscribe(onUpdate func([]chat.Message), _ func(error)) session.Unsubscribe {
	h.mu.Lock()
	h.onUpdate = onUpdate
	h.mu.Unlock()

	onUpdate(nil)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.onUpdate = nil
	}
}

func (h *heldStore) publish(msgs ...chat.Message) {
	h.mu.Lock()
	fn := h.onUpdate
	h.mu.Unlock()
	if fn != nil {
		fn(msgs)
	}
}

func (h *heldStore) stored() []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chat.Message(nil), h.appended...)
}

// fakeAuth is an in-memory identity provider.
type fakeAuth struct {
	mu         sync.Mutex
	current    *chat.UserIdentity
	identity   chat.UserIdentity
	signInErr  error
	signOutErr error
	listeners  map[int]func(*chat.UserIdentity)
	nextID     int
}

func newFakeAuth(identity chat.UserIdentity) *fakeAuth {
	return &fakeAuth{identity: identity, listeners: map[int]func(*chat.UserIdentity){}}
}

func (f *fakeAuth) SignIn(context.Context) (chat.UserIdentity, error) {
	f.mu.Lock()
	if f.signInErr != nil {
		err := f.signInErr
		f.mu.Unlock()
		return chat.UserIdentity{}, err
	}
	user := f.identity
	f.current = &user
	listeners := f.listenersLocked()
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(&user)
	}
	return user, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.mu.Lock()
	if f.signOutErr != nil {
		err := f.signOutErr
		f.mu.Unlock()
		return err
	}
	f.current = nil
	listeners := f.listenersLocked()
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(nil)
	}
	return nil
}

func (f *fakeAuth) Subscribe(onChange func(*chat.UserIdentity)) session.Unsubscribe {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = onChange
	var current *chat.UserIdentity
	if f.current != nil {
		user := *f.current
		current = &user
	}
	f.mu.Unlock()

	onChange(current)
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeAuth) listenersLocked() []func(*chat.UserIdentity) {
	out := make([]func(*chat.UserIdentity), 0, len(f.listeners))
	for _, fn := range f.listeners {
		out = append(out, fn)
	}
	return out
}

func (f *fakeAuth) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// busyRecorder collects the busy flag from every state change.
type busyRecorder struct {
	mu    sync.Mutex
	trace []bool
}

func (r *busyRecorder) observe(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.trace) == 0 || r.trace[len(r.trace)-1] != st.Busy {
		r.trace = append(r.trace, st.Busy)
	}
}

func (r *busyRecorder) transitions() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.trace...)
}

type turn struct {
	sender chat.Sender
	text   string
}

func turns(msgs []chat.Message) []turn {
	out := make([]turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, turn{sender: m.Sender, text: m.Text})
	}
	return out
}
