package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"turnos/internal/store"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errInvalidToken = errors.New("invalid business token")
)

const maxCachedTokens = 1024

type authContextKey struct{}

type authInfo struct {
	Session    store.Session
	BusinessID string
	Public     bool
}

// Auth resolves the business a request acts on: staff requests carry a
// session id, public requests a business token of the form
// "<business-id>.<secret>" whose bcrypt hash is stored per business.
type Auth struct {
	store  store.Store
	logger *zap.Logger

	mu       sync.Mutex
	verified map[string]string
}

func NewAuth(st store.Store, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auth{store: st, logger: logger, verified: make(map[string]string)}
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		requestID := requestIDFromRequest(r)

		if strings.HasPrefix(r.URL.Path, "/api/public/") {
			token := businessTokenFromRequest(r)
			if token == "" {
				writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing business token")
				return
			}
			businessID, err := a.VerifyBusinessToken(r.Context(), token)
			if err != nil {
				a.writeAuthError(w, requestID, err, "invalid business token")
				return
			}
			noteBusiness(r.Context(), businessID)
			ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{BusinessID: businessID, Public: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := a.store.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				err = errUnauthorized
			}
			a.writeAuthError(w, requestID, err, "invalid session")
			return
		}
		noteBusiness(r.Context(), session.BusinessID)
		ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Session: session, BusinessID: session.BusinessID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) writeAuthError(w http.ResponseWriter, requestID string, err error, message string) {
	if errors.Is(err, errUnauthorized) || errors.Is(err, errInvalidToken) {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", message)
		return
	}
	a.logger.Error("auth lookup failed", zap.String("request_id", requestID), zap.Error(err))
	status, code, msg := mapError(err)
	writeError(w, requestID, status, code, msg)
}

// VerifyBusinessToken returns the business id a public token belongs to.
// Tokens already checked against the current stored hash skip bcrypt.
func (a *Auth) VerifyBusinessToken(ctx context.Context, token string) (string, error) {
	businessID, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" || !isValidUUID(businessID) {
		return "", errInvalidToken
	}
	hash, err := a.store.GetPublicTokenHash(ctx, businessID)
	if err != nil {
		if errors.Is(err, store.ErrBusinessNotFound) {
			return "", errInvalidToken
		}
		return "", err
	}
	if hash == "" {
		return "", errInvalidToken
	}

	a.mu.Lock()
	cached, hit := a.verified[token]
	a.mu.Unlock()
	if hit && cached == hash {
		return businessID, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", errInvalidToken
	}
	a.mu.Lock()
	if len(a.verified) >= maxCachedTokens {
		a.verified = make(map[string]string)
	}
	a.verified[token] = hash
	a.mu.Unlock()
	return businessID, nil
}

// Realtime authenticates a SockJS connection. Sockets cannot set headers
// from browsers, so the session id or business token may also arrive as the
// "session" or "token" query parameter.
func (a *Auth) Realtime(r *http.Request) (string, error) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session"))
	}
	if sessionID != "" {
		session, err := a.store.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return "", errUnauthorized
			}
			return "", err
		}
		return session.BusinessID, nil
	}
	if token := businessTokenFromRequest(r); token != "" {
		return a.VerifyBusinessToken(r.Context(), token)
	}
	return "", errUnauthorized
}

func authFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

func businessFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	info, ok := authFromContext(r.Context())
	if !ok || info.BusinessID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing credentials")
		return "", false
	}
	return info.BusinessID, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func businessTokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Business-Token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func isOpenEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/auth/login":
		return r.Method == http.MethodPost
	default:
		return r.Method == http.MethodOptions
	}
}
