package handlers

import (
	"log/slog"
	"net/http"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	jwtAuth *middleware.JWTAuthMiddleware
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(jwtAuth *middleware.JWTAuthMiddleware) *AuthHandler {
	return &AuthHandler{
		jwtAuth: jwtAuth,
	}
}

// SetupRoutes sets up authentication routes
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("GET /auth/verify", h.handleVerify)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !api.Bind(w, r, &req) {
		return
	}

	token, expiresAt, ok, err := h.jwtAuth.Login(req.Username, req.Password)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate token", "user", req.Username, "err", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	if !ok {
		slog.WarnContext(r.Context(), "failed login attempt", "user", req.Username, "remote", r.RemoteAddr)
		api.RespondErrorWithCode(w, http.StatusUnauthorized, api.CodeUnauthorized, "Invalid username or password")
		return
	}

	slog.Info("operator logged in", "user", req.Username, "remote", r.RemoteAddr)
	api.RespondJSON(w, http.StatusOK, api.LoginResponse{
		Token:     token,
		Username:  req.Username,
		ExpiresAt: expiresAt,
	})
}

// handleVerify lets the dashboard check a stored token. The JWT middleware has already
// rejected bad tokens by the time this runs.
func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == "" {
		api.RespondErrorWithCode(w, http.StatusUnauthorized, api.CodeUnauthorized, "Not authenticated")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.VerifyResponse{Valid: true, Username: user})
}
