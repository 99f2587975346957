package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

func TestRequireIdentity(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		cfg    config.AuthConfig
		header http.Header
		want   int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "dev identity", cfg: config.AuthConfig{DevUserID: "uid-dev"}, want: http.StatusOK},
		{
			name:   "forwarded identity",
			cfg:    config.AuthConfig{TrustForwardedHeaders: true},
			header: http.Header{"X-Forwarded-User": []string{"uid-ada"}},
			want:   http.StatusOK,
		},
		{
			name:   "untrusted forwarded identity",
			header: http.Header{"X-Forwarded-User": []string{"uid-ada"}},
			want:   http.StatusUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
			for k, v := range tc.header {
				req.Header[k] = v
			}
			resp := httptest.NewRecorder()
			RequireIdentity(tc.cfg)(ok).ServeHTTP(resp, req)

			assert.Equal(t, tc.want, resp.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, resp.Body.String(), chat.UnauthenticatedText)
			}
		})
	}
}
