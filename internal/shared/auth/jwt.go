package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const issuer = "quantcell-realtime"

// Claims identifies the dashboard user behind a connection.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	clock         clockwork.Clock
}

func NewJWTManager(secretKey string, tokenDuration time.Duration, clock clockwork.Clock) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		clock:         clock,
	}
}

// Generate creates a signed HS256 token for userID.
func (manager *JWTManager) Generate(userID, role string) (string, error) {
	now := manager.clock.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.secretKey)
}

// Verify validates the token and returns its claims.
func (manager *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return manager.secretKey, nil
		},
		jwt.WithTimeFunc(manager.clock.Now),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

var errNoToken = errors.New("no bearer token or token query parameter")

// requestToken returns the bearer token or the token query parameter,
// trying the query first when queryFirst is set. Browsers cannot set
// headers on a WebSocket handshake, so the upgrade path prefers the query.
func requestToken(r *http.Request, queryFirst bool) (string, error) {
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		bearer = ""
	}
	query := r.URL.Query().Get("token")

	first, second := bearer, query
	if queryFirst {
		first, second = query, bearer
	}
	switch {
	case first != "":
		return first, nil
	case second != "":
		return second, nil
	}
	return "", errNoToken
}

// WebSocketAuth validates the handshake token.
func (manager *JWTManager) WebSocketAuth(r *http.Request) (*Claims, error) {
	token, err := requestToken(r, true)
	if err != nil {
		return nil, err
	}
	return manager.Verify(token)
}

// Middleware rejects requests without a valid token and stores the claims
// in the request context.
func (manager *JWTManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := requestToken(r, false)
		if err == nil {
			var claims *Claims
			if claims, err = manager.Verify(token); err == nil {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}
		}
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
	})
}

type claimsKey struct{}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
