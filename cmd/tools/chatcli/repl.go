package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/session"
)

type repl struct {
	sess      *session.Session
	botName   string
	out       io.Writer
	printed   map[string]struct{}
	lastError *chat.ErrorInfo
}

func newREPL(sess *session.Session, botName string, out io.Writer) *repl {
	return &repl{sess: sess, botName: botName, out: out, printed: make(map[string]struct{})}
}

// run reads one command or message per line until EOF, /quit or ctx ends.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, r.sess.State().Welcome)
	r.flush()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool) {
	switch line {
	case "/quit", "/exit":
		return true
	case "/signin":
		_ = r.sess.SignIn(ctx)
		if st := r.sess.State(); st.User != nil && st.LastError == nil {
			fmt.Fprintln(r.out, st.Welcome)
		}
	case "/signout":
		_ = r.sess.SignOut(ctx)
		r.printed = make(map[string]struct{})
		fmt.Fprintln(r.out, r.sess.State().Welcome)
	default:
		if err := r.sess.Submit(line); err != nil {
			switch {
			case errors.Is(err, chat.ErrUnauthenticated):
				fmt.Fprintln(r.out, "! "+chat.UnauthenticatedText+" (type /signin)")
			default:
				fmt.Fprintln(r.out, "! "+err.Error())
			}
			return false
		}
		r.sess.Wait()
	}
	r.flush()
	return false
}

// flush prints messages and errors not shown yet.
func (r *repl) flush() {
	st := r.sess.State()
	for _, msg := range st.Messages {
		if _, seen := r.printed[msg.ID]; seen {
			continue
		}
		r.printed[msg.ID] = struct{}{}
		who := msg.DisplayName
		if msg.Sender == chat.SenderBot {
			who = r.botName
		}
		fmt.Fprintf(r.out, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), who, msg.Text)
	}

	if st.LastError != nil && (r.lastError == nil || st.LastError.Kind != r.lastError.Kind || st.LastError.Message != r.lastError.Message) {
		fmt.Fprintln(r.out, "! "+st.LastError.Message)
	}
	r.lastError = st.LastError
}
