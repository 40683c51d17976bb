package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/omrgrader/internal/i18n"
)

// requireAdmin guards destructive endpoints with HTTP basic auth checked
// against the configured bcrypt hash. Without a hash the endpoints are off.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminHash == "" {
			writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ResetDisabled"))
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(h.config.AdminUser)) != 1 {
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.config.AdminHash), []byte(pass)); err != nil {
			slog.Warn("admin authentication failed", "remote", r.RemoteAddr)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="omrgrader"`)
	writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "Unauthorized"))
}
