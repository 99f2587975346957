package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/handler"
	"github.com/cyberq/chatbot/backend/internal/logging"
	"github.com/cyberq/chatbot/backend/internal/model/bot"
	"github.com/cyberq/chatbot/backend/internal/service/ai"
	"github.com/cyberq/chatbot/backend/internal/store"
)

const healthInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	profile := bot.Default()
	if cfg.Bot.ProfilePath != "" {
		if profile, err = bot.Load(cfg.Bot.ProfilePath); err != nil {
			log.Fatal().Err(err).Msg("failed to load bot profile")
		}
	}

	messages, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open message store")
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close message store")
		}
	}()

	completer, err := ai.NewCompleter(ctx, cfg.AI)
	if err != nil {
		log.Warn().Err(err).Msg("completion service unavailable, replies will report a configuration error")
		completer = ai.Unconfigured{}
	}

	router := handler.NewRouter(handler.Deps{
		Store:     messages,
		Completer: completer,
		Profile:   profile,
		Server:    cfg.Server,
		Auth:      cfg.Auth,
	})

	if err := run(ctx, cfg.Server, router, messages); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

// run serves until ctx ends. It returns once WebSocket sessions have settled,
// so the caller may close messages afterwards.
func run(ctx context.Context, serverCfg config.ServerConfig, router *handler.Router, messages store.Store) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Shutdown does not track hijacked connections.
	srv.RegisterOnShutdown(router.CloseConnections)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", serverCfg.Addr).Msg("CyberQ chat backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if werr := router.Shutdown(shutdownCtx); werr != nil {
			log.Warn().Err(werr).Msg("websocket sessions did not settle before shutdown deadline")
		}
		return err
	})

	g.Go(func() error {
		return watchStoreHealth(ctx, messages)
	})

	return g.Wait()
}

// watchStoreHealth logs store reachability changes until ctx ends.
func watchStoreHealth(ctx context.Context, messages store.Store) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := messages.Ping(pingCtx)
			cancel()

			switch {
			case err != nil && healthy:
				log.Error().Err(err).Msg("message store unreachable")
			case err == nil && !healthy:
				log.Info().Msg("message store reachable again")
			}
			healthy = err == nil
		}
	}
}
