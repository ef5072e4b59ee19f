package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ciptargetd/cip"
	"ciptargetd/config"
	"ciptargetd/server"
)

// NewRouter builds the monitoring and admin HTTP surface: a read-only view
// of the registry and session table behind a login, and a single
// admin-gated write path. cfg is consulted directly rather than copied, so
// user additions/removals at the config layer take effect without
// rebuilding the router.
func NewRouter(cfg *config.Config, reg *cip.Registry, srv *server.Server) chi.Router {
	h := &handlers{
		registry: reg,
		srv:      srv,
		sessions: newSessionStore(cfg.Web.UI.SessionSecret),
		findUser: func(username string) (passwordHash, role string, ok bool) {
			u := cfg.FindWebUser(username)
			if u == nil {
				return "", "", false
			}
			return u.PasswordHash, u.Role, true
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/api/objects", h.handleListObjects)
		r.Get("/api/objects/{class}/{instance}/{attribute}", h.handleGetAttribute)
		r.Get("/api/sessions", h.handleListSessions)

		r.Group(func(r chi.Router) {
			r.Use(h.adminOnlyMiddleware)
			r.Post("/api/objects/{class}/{instance}/{attribute}", h.handleSetAttribute)
		})
	})

	return r
}

// authMiddleware rejects any request with no valid session cookie. Unlike
// a browser dashboard there is no login page to redirect to here; an
// unauthenticated request just gets a 401.
func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, role, ok := h.sessions.getUser(r)
		if !ok || !isAdmin(role) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
