package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
	"github.com/cyberq/chatbot/backend/internal/service/auth"
	"github.com/cyberq/chatbot/backend/pkg/utils"
)

// RequireIdentity rejects requests that resolve to no signed-in user.
func RequireIdentity(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.ProviderFor(cfg, r.Header).Identify(r.Context()); err != nil {
				log.Debug().Str("component", "http").Err(err).Str("path", r.URL.Path).Msg("anonymous request rejected")
				utils.RespondError(w, http.StatusUnauthorized, chat.UnauthenticatedText)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
