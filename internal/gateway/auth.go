package gateway

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// authMiddleware enforces the optional bearer-token check. The security
// policy is re-read from a fresh snapshot on every request so toggling it in
// the configuration takes effect without a restart.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.EnsureLatest(); err != nil {
			writeError(w, http.StatusInternalServerError, "configuration unavailable")
			return
		}

		security := s.store.Snapshot().Security
		if !security.Enabled {
			next(w, r)
			return
		}

		expected := ""
		if security.TokenEnv != "" {
			expected = os.Getenv(security.TokenEnv)
		}
		if expected == "" {
			log.Error().
				Str("token_env", security.TokenEnv).
				Msg("Security enabled but token env variable is undefined")
			writeError(w, http.StatusInternalServerError, "token misconfiguration")
			return
		}

		if r.Header.Get("Authorization") != "Bearer "+expected {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r)
	}
}
