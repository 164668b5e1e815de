// internal/middleware/jwt.go
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gator-threads/internal/logging"
)

const (
	// Token expiration time - 24 hours
	tokenExpiration = 24 * time.Hour

	tokenIssuer = "gator-threads"
)

// Claims represents the JWT claims for our application
type Claims struct {
	ViewerID string `json:"viewer_id"`
	jwt.RegisteredClaims
}

// Authenticator signs and checks viewer tokens. Accounts live elsewhere;
// the engine only needs to know who is asking.
type Authenticator struct {
	secret []byte
	log    *slog.Logger
	now    func() time.Time
}

func NewAuthenticator(secret string, logger *slog.Logger) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Authenticator{secret: []byte(secret), log: logger, now: time.Now}, nil
}

// GenerateToken creates a new JWT token for the given viewer
func (a *Authenticator) GenerateToken(viewerID string) (string, error) {
	if viewerID == "" {
		return "", errors.New("viewer id must not be empty")
	}
	now := a.now()
	claims := &Claims{
		ViewerID: viewerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   viewerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates the provided JWT token
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ViewerID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware puts the viewer of a valid bearer token into the request
// context. Requests without a token pass through as anonymous; reads work
// for them and mutations fail with AUTH_REQUIRED further down. A token that
// is present but invalid is rejected here.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			a.log.Debug("Rejected token", "path", r.URL.Path, "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithViewerID(r.Context(), claims.ViewerID)))
	})
}

// Define a custom context key type to avoid collisions
type contextKey string

// ViewerIDKey is the key used to store the viewer ID in the context
const ViewerIDKey contextKey = "viewer_id"

func WithViewerID(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, ViewerIDKey, viewerID)
}

// ViewerIDFromContext returns the authenticated viewer, or "" for anonymous
// requests.
func ViewerIDFromContext(ctx context.Context) string {
	viewerID, _ := ctx.Value(ViewerIDKey).(string)
	return viewerID
}
