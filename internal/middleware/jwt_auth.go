package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/akmatori/issuebridge/internal/api"
)

const tokenIssuer = "issuebridge"

// OperatorClaims are the JWT claims of an authenticated operator
type OperatorClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthConfig holds JWT authentication configuration
type JWTAuthConfig struct {
	// AdminUsername is the operator account name
	AdminUsername string

	// AdminPasswordHash is the bcrypt hash of the operator password
	AdminPasswordHash string

	// JWTSecret is the secret key for signing JWT tokens
	JWTSecret string

	// TokenTTL is how long issued tokens stay valid
	TokenTTL time.Duration

	// SkipPaths are paths that don't require authentication. A trailing * matches a prefix.
	SkipPaths []string
}

// JWTAuthMiddleware authenticates operator API requests with bearer tokens
type JWTAuthMiddleware struct {
	config   JWTAuthConfig
	exact    map[string]bool
	prefixes []string
	now      func() time.Time
}

type userContextKey struct{}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config JWTAuthConfig) *JWTAuthMiddleware {
	if config.TokenTTL <= 0 {
		config.TokenTTL = 24 * time.Hour
	}
	m := &JWTAuthMiddleware{
		config: config,
		exact:  make(map[string]bool),
		now:    time.Now,
	}
	for _, path := range config.SkipPaths {
		if prefix, ok := strings.CutSuffix(path, "*"); ok {
			m.prefixes = append(m.prefixes, prefix)
			continue
		}
		m.exact[path] = true
	}
	return m
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// Login checks the operator credentials and issues a token. ok is false for bad credentials.
func (m *JWTAuthMiddleware) Login(username, password string) (token string, expiresAt time.Time, ok bool, err error) {
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.config.AdminUsername)) != 1 {
		return "", time.Time{}, false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(m.config.AdminPasswordHash), []byte(password)) != nil {
		return "", time.Time{}, false, nil
	}
	token, expiresAt, err = m.GenerateToken(username)
	return token, expiresAt, err == nil, err
}

// GenerateToken signs a token for username
func (m *JWTAuthMiddleware) GenerateToken(username string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.config.TokenTTL)
	claims := OperatorClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.JWTSecret))
	return signed, expiresAt, err
}

// ValidateToken validates a JWT token and returns the claims
func (m *JWTAuthMiddleware) ValidateToken(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Wrap wraps an http.Handler with JWT authentication
func (m *JWTAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			m.unauthorized(w, "Missing authentication token")
			return
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			slog.WarnContext(r.Context(), "rejected operator token", "remote", r.RemoteAddr, "err", err)
			m.unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey{}, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *JWTAuthMiddleware) shouldSkipAuth(path string) bool {
	if m.exact[path] {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *JWTAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer realm=\"API\"")
	api.RespondErrorWithCode(w, http.StatusUnauthorized, api.CodeUnauthorized, message)
}

// GetUserFromContext returns the authenticated operator, or an empty string
func GetUserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userContextKey{}).(string); ok {
		return user
	}
	return ""
}

// WithUser returns a context carrying an operator name, used by tests and internal callers
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userContextKey{}, username)
}
