// Package server exposes the reading room over HTTP: the WebSocket endpoint, the page
// readers query and a health check.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/auth"
	"github.com/MarcoPoloResearchLab/readingroom/internal/gateway"
	"github.com/MarcoPoloResearchLab/readingroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/readingroom/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const sessionContextKey = "readingroom_session"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentities       = errors.New("identity resolver dependency required")
	errMissingGateway          = errors.New("gateway dependency required")
	errMissingReaders          = errors.New("page readers dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto durable user records.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// PageReaders answers roster queries.
type PageReaders interface {
	Readers(ctx context.Context, documentID string, page int) (protocol.PagePresence, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Identities       IdentityResolver
	Gateway          *gateway.Gateway
	Readers          PageReaders
	Logger           *zap.Logger
	WebSocket        WebSocketConfig
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Readers == nil {
		return nil, errMissingReaders
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		identities: deps.Identities,
		gateway:    deps.Gateway,
		readers:    deps.Readers,
		logger:     logger,
		websocket:  newWebSocketTransport(deps.WebSocket, deps.Gateway, logger),
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/documents/:documentId/pages/:page/readers", handler.handlePageReaders)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	gateway    *gateway.Gateway
	readers    PageReaders
	logger     *zap.Logger
	websocket  *webSocketTransport
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePageReaders(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("documentId"))
	page, err := strconv.Atoi(c.Param("page"))
	if documentID == "" || err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	presence, err := h.readers.Readers(c.Request.Context(), documentID, page)
	if err != nil {
		h.logger.Error("failed to load page readers", zap.String("document_id", documentID), zap.Int("page", page), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "readers_unavailable"})
		return
	}
	c.JSON(http.StatusOK, presence)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	userID, err := h.identities.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.identities.Profile(ctx, userID)
	if err != nil {
		h.logger.Error("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.Set(sessionContextKey, gateway.Session{
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	})
	c.Next()
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	session, ok := c.Get(sessionContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.websocket.serve(c.Writer, c.Request, session.(gateway.Session))
}
