// Package server wires the REST and websocket surface onto one gin engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stridehq/meetstream/internal/approval"
	"github.com/stridehq/meetstream/internal/auth"
	"github.com/stridehq/meetstream/internal/detection"
	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/gateway"
	"github.com/stridehq/meetstream/internal/logging"
	"github.com/stridehq/meetstream/internal/store"
	"github.com/stridehq/meetstream/internal/version"
)

const claimsKey = "authClaims"

// Server hosts the HTTP listener.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the router: public health and websocket endpoints plus the
// Bearer-authenticated /api group.
func New(addr string, allowedOrigins []string, verifier auth.Verifier, workflow *approval.Service, triggers *detection.Service, gw *gateway.Gateway) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	// Websocket endpoints authenticate via query token, pre-upgrade.
	engine.GET("/ws/meeting", gw.Meeting)
	engine.GET("/ws/notifications", gw.Notifications)

	h := &handlers{workflow: workflow, triggers: triggers}
	api := engine.Group("/api", bearerAuth(verifier))
	api.GET("/tasks/pending", h.listPending)
	api.POST("/tasks/pending/:pendingId/approve", h.approve)
	api.POST("/tasks/pending/:pendingId/reject", h.reject)
	api.POST("/tasks/pending/:pendingId/approve-all", h.approveAll)
	api.POST("/tasks/pending/:pendingId/reject-all", h.rejectAll)
	api.POST("/meeting-session/start", h.startSession)

	return &Server{
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logging.Info(logging.CategoryServer, "listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// bearerAuth verifies the Authorization header and stores the claims on
// the request context.
func bearerAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			logging.Warning(logging.CategoryServer, "token rejected: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) auth.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(auth.Claims)
	return claims
}

type handlers struct {
	workflow *approval.Service
	triggers *detection.Service
}

func (h *handlers) listPending(c *gin.Context) {
	claims := claimsFrom(c)
	pending, err := h.workflow.PendingForUser(c.Request.Context(), claims.UserID, claims.OrgID)
	if err != nil {
		writeError(c, err)
		return
	}
	if pending == nil {
		pending = []domain.PendingApproval{}
	}
	c.JSON(http.StatusOK, gin.H{"pendingApprovals": pending})
}

type approveRequest struct {
	TaskIndex   int                    `json:"taskIndex"`
	Edits       *domain.CandidateEdits `json:"edits,omitempty"`
	CreateIssue bool                   `json:"createGithubIssue,omitempty"`
}

func (h *handlers) approve(c *gin.Context) {
	claims := claimsFrom(c)
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	task, err := h.workflow.Approve(c.Request.Context(), c.Param("pendingId"), req.TaskIndex, claims.UserID, claims.Email, req.Edits, req.CreateIssue)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type rejectRequest struct {
	TaskIndex int    `json:"taskIndex"`
	Reason    string `json:"reason,omitempty"`
}

func (h *handlers) reject(c *gin.Context) {
	claims := claimsFrom(c)
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.workflow.Reject(c.Request.Context(), c.Param("pendingId"), req.TaskIndex, claims.UserID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type approveAllRequest struct {
	Edits       map[string]domain.CandidateEdits `json:"edits,omitempty"`
	CreateIssue bool                             `json:"createGithubIssue,omitempty"`
}

func (h *handlers) approveAll(c *gin.Context) {
	claims := claimsFrom(c)
	// body is optional for the batch endpoints
	var req approveAllRequest
	_ = c.ShouldBindJSON(&req)
	edits := make(map[int]domain.CandidateEdits, len(req.Edits))
	for key, e := range req.Edits {
		idx, err := strconv.Atoi(key)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "edit keys must be candidate indices"})
			return
		}
		edits[idx] = e
	}
	batch, err := h.workflow.ApproveAll(c.Request.Context(), c.Param("pendingId"), claims.UserID, claims.Email, edits, req.CreateIssue)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

type rejectAllRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *handlers) rejectAll(c *gin.Context) {
	claims := claimsFrom(c)
	var req rejectAllRequest
	_ = c.ShouldBindJSON(&req)
	batch, err := h.workflow.RejectAll(c.Request.Context(), c.Param("pendingId"), claims.UserID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

type startSessionRequest struct {
	SessionToken  string `json:"sessionToken"`
	MeetingSource string `json:"meetingSource,omitempty"`
}

func (h *handlers) startSession(c *gin.Context) {
	claims := claimsFrom(c)
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := h.triggers.StartSession(c.Request.Context(), req.SessionToken, req.MeetingSource, claims)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps workflow errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, approval.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrInvalidIndex), errors.Is(err, detection.ErrEmptyToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logging.Error(logging.CategoryServer, "request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
