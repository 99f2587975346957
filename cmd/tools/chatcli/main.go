package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/logging"
	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/service/ai"
	"github.com/cyberq/chatbot/backend/internal/service/auth"
	"github.com/cyberq/chatbot/backend/internal/session"
	"github.com/cyberq/chatbot/backend/internal/store"
)

type options struct {
	userID      string
	displayName string
	driver      string
	sqlitePath  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "chatcli",
		Short: "Chat with the CyberQ bot from the terminal",
		Long: "chatcli mounts a chat session directly on the configured completion backend " +
			"and message store. Type a message to send it, /signin or /signout to change " +
			"identity, /quit to leave.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "", "identity to sign in as (default AUTH_DEV_USER_ID or \"cli\")")
	cmd.Flags().StringVar(&opts.displayName, "name", "", "display name for the identity")
	cmd.Flags().StringVar(&opts.driver, "store", "", "override STORE_DRIVER (memory, sqlite, redis)")
	cmd.Flags().StringVar(&opts.sqlitePath, "sqlite-path", "", "override SQLITE_PATH")
	return cmd
}

func runChat(cmd *cobra.Command, opts options) error {
	ctx := cmd.Context()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.Log.Format = "console"
	logging.SetupWriter(cfg.Log, cmd.ErrOrStderr())

	if opts.driver != "" {
		cfg.Store.Driver = opts.driver
	}
	if opts.sqlitePath != "" {
		cfg.Store.SQLitePath = opts.sqlitePath
	}

	messages, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer messages.Close()

	completer, err := ai.NewCompleter(ctx, cfg.AI)
	if err != nil {
		log.Warn().Err(err).Msg("completion service unavailable")
		completer = ai.Unconfigured{}
	}

	profile := bot.Default()
	if cfg.Bot.ProfilePath != "" {
		if profile, err = bot.Load(cfg.Bot.ProfilePath); err != nil {
			return err
		}
	}

	identity := chat.UserIdentity{ID: cfg.Auth.DevUserID, DisplayName: cfg.Auth.DevDisplayName}
	if opts.userID != "" {
		identity = chat.UserIdentity{ID: opts.userID, DisplayName: opts.displayName}
	}
	if identity.ID == "" {
		identity.ID = "cli"
	}

	sess := session.New(completer, session.WithProfile(profile))
	defer func() {
		sess.Close()
		sess.Wait()
	}()
	sess.AttachStore(messages)
	sess.BindAuth(auth.NewService(auth.StaticProvider{Identity: identity}))

	return newREPL(sess, profile.Name, cmd.OutOrStdout()).run(ctx, cmd.InOrStdin())
}
