package handlers

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenLen   = 32
	csrfMaxAge     = 12 * time.Hour
)

// csrfManager handles CSRF token generation and validation
type csrfManager struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token -> expiry
	now    func() time.Time
}

func newCSRFManager() *csrfManager {
	return &csrfManager{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// generateToken creates a new cryptographically secure CSRF token
func (m *csrfManager) generateToken() (string, error) {
	b := make([]byte, csrfTokenLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(b)

	m.mu.Lock()
	m.tokens[token] = m.now().Add(csrfMaxAge)
	m.mu.Unlock()

	return token, nil
}

// validateToken checks if a token is known and not expired
func (m *csrfManager) validateToken(token string) bool {
	if token == "" {
		return false
	}

	m.mu.RLock()
	expiry, exists := m.tokens[token]
	m.mu.RUnlock()

	return exists && m.now().Before(expiry)
}

// cleanup removes expired tokens
func (m *csrfManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for token, expiry := range m.tokens {
		if now.After(expiry) {
			delete(m.tokens, token)
		}
	}
}

// CSRFToken handles GET /api/csrf. It returns the caller's token, issuing
// a new one (and its cookie) when the cookie is missing or stale.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	if h.disableCSRF {
		writeJSON(w, http.StatusOK, map[string]string{"token": ""})
		return
	}

	if cookie, err := r.Cookie(csrfCookieName); err == nil && h.csrf.validateToken(cookie.Value) {
		writeJSON(w, http.StatusOK, map[string]string{"token": cookie.Value})
		return
	}

	token, err := h.csrf.generateToken()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// csrfProtect rejects state-changing requests whose X-CSRF-Token header
// does not match a valid csrf_token cookie.
func (h *Handler) csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.validCSRF(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusForbidden, "invalid CSRF token")
	})
}

func (h *Handler) validCSRF(r *http.Request) bool {
	if h.disableCSRF {
		return true
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}

	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return false
	}
	header := r.Header.Get(csrfHeaderName)
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return false
	}
	return h.csrf.validateToken(header)
}

// StartJanitor periodically drops expired CSRF tokens and idle rate
// limiter entries until ctx is done.
func (h *Handler) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.csrf.cleanup()
				h.limiter.prune()
			}
		}
	}()
}
