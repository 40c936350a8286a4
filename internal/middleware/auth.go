// Package middleware provides the HTTP middleware in front of the bank API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/httputil"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Claims represents JWT claims. NeoAddress identifies the calling principal.
type Claims struct {
	NeoAddress string `json:"neo_address"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// WithPrincipal returns ctx carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p util.Uint160) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Principal extracts the authenticated principal from ctx.
func Principal(ctx context.Context) (util.Uint160, bool) {
	p, ok := ctx.Value(principalKey{}).(util.Uint160)
	return p, ok
}

// AuthMiddleware provides JWT authentication
type AuthMiddleware struct {
	secret    []byte
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware verifying HS256
// tokens with secret.
func NewAuthMiddleware(secret []byte, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		secret:    secret,
		logger:    log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthenticated("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthenticated("invalid Authorization header format"))
			return
		}

		principal, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		m.logger.WithField("principal", custody.FormatAccount(principal)).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// validateToken validates a JWT token and returns the principal it names.
func (m *AuthMiddleware) validateToken(tokenString string) (util.Uint160, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return util.Uint160{}, errors.InvalidToken(err)
	}
	if !token.Valid {
		return util.Uint160{}, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return util.Uint160{}, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	principal, err := custody.ParseAccount(claims.NeoAddress)
	if err != nil {
		return util.Uint160{}, errors.InvalidToken(err).WithDetails("reason", "invalid neo_address claim")
	}
	return principal, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
	httputil.WriteError(w, r, err)
}
