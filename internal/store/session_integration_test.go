package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

func TestSessionsShareMemoryStore(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	echo := session.CompletionFunc(func(_ context.Context, prompt string) (string, error) {
		return "echo: " + prompt, nil
	})
	ada := chat.UserIdentity{ID: "uid-ada", DisplayName: "Ada Lovelace"}

	first := session.New(echo)
	second := session.New(echo)
	defer func() {
		first.Close()
		second.Close()
		first.Wait()
		second.Wait()
	}()

	for _, s := range []*session.Session{first, second} {
		s.AttachStore(st)
		s.ObserveAuth(&ada)
	}

	require.NoError(t, first.Submit("hello"))
	first.Wait()

	require.Eventually(t, func() bool { return len(second.Messages()) == 2 }, time.Second, 5*time.Millisecond)

	msgs := second.Messages()
	assert.Equal(t, chat.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, chat.SenderBot, msgs[1].Sender)
	assert.Equal(t, "echo: hello", msgs[1].Text)
	assert.Equal(t, first.Messages(), msgs)

	stored, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
