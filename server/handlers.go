package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"MeloForge/config"
	"MeloForge/core/auth"
	"MeloForge/core/feed"
	"MeloForge/core/generation"
	"MeloForge/repository"
)

type contextKey string

const (
	ctxKeyUserID   contextKey = "userID"
	ctxKeyUsername contextKey = "username"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	trackRepo    repository.TrackRepository
	variantRepo  repository.VariantRepository
	taskRepo     repository.GenerationTaskRepository
	userRepo     repository.UserRepository
	orchestrator *generation.Orchestrator
	reconciler   *generation.Reconciler
	ingestor     *generation.WebhookIngestor
	hub          *feed.Hub
	cfg          *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(
	trackRepo repository.TrackRepository,
	variantRepo repository.VariantRepository,
	taskRepo repository.GenerationTaskRepository,
	userRepo repository.UserRepository,
	orchestrator *generation.Orchestrator,
	reconciler *generation.Reconciler,
	ingestor *generation.WebhookIngestor,
	hub *feed.Hub,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		trackRepo:    trackRepo,
		variantRepo:  variantRepo,
		taskRepo:     taskRepo,
		userRepo:     userRepo,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		ingestor:     ingestor,
		hub:          hub,
		cfg:          cfg,
	}
}

// writeJSON 统一JSON响应
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// writeError 统一错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// AuthMiddleware is a middleware function that checks for a valid JWT token
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyUsername, claims.Username)

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(ctxKeyUserID).(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetUsernameFromContext extracts the username from the request context
func GetUsernameFromContext(ctx context.Context) (string, error) {
	username, ok := ctx.Value(ctxKeyUsername).(string)
	if !ok {
		return "", fmt.Errorf("username not found in context")
	}
	return username, nil
}
