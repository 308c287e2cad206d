package web

import (
	"crypto/subtle"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// authUser is the fixed basic-auth account name for mutating endpoints
const authUser = "sichter"

// authMiddleware enforces basic auth on mutating endpoints when a password
// hash is configured. With no hash the middleware is a pass-through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.passwordHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="sichter"`)
			s.writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(user), []byte(authUser)) != 1 {
			log.Printf("[WARN] rejected auth attempt for user %q from %s", user, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="sichter"`)
			s.writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
			log.Printf("[WARN] rejected auth attempt from %s", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="sichter"`)
			s.writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}
