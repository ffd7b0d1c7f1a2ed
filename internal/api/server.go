// Package api provides the local HTTP control API consumed by the host UI
// layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/gateway/logrelay"
	"github.com/relaydesk/relaydesk/internal/gateway/protoclient"
	"github.com/relaydesk/relaydesk/internal/history"
)

// Controller is the gateway surface the API exposes.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() gateway.Status
	Logs(limit int) []logrelay.Record
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Server is the HTTP control server.
type Server struct {
	ctrl   Controller
	hist   *history.Store
	logger *logger.Logger
	router *gin.Engine
}

// NewServer creates the control server. hist may be nil when history is
// disabled.
func NewServer(ctrl Controller, hist *history.Store, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ctrl:   ctrl,
		hist:   hist,
		logger: log.WithFields(zap.String("component", "control-api")),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)
		api.GET("/history", s.handleHistory)

		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.POST("/restart", s.handleRestart)
		api.POST("/send", s.handleSend)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	records := s.ctrl.Logs(limit)
	if records == nil {
		records = []logrelay.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": records})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	limit := intQuery(c, "limit", 100)
	messages, err := s.hist.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// LifecycleResponse is the body of the start/stop/restart endpoints.
type LifecycleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.ctrl.Start(c.Request.Context()); err != nil {
		s.logger.Error("failed to start gateway", zap.Error(err))
		c.JSON(http.StatusInternalServerError, LifecycleResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, LifecycleResponse{Success: true, Message: "gateway started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.ctrl.Stop(c.Request.Context()); err != nil {
		s.logger.Error("failed to stop gateway", zap.Error(err))
		c.JSON(http.StatusInternalServerError, LifecycleResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, LifecycleResponse{Success: true, Message: "gateway stopped"})
}

func (s *Server) handleRestart(c *gin.Context) {
	if err := s.ctrl.Restart(c.Request.Context()); err != nil {
		s.logger.Error("failed to restart gateway", zap.Error(err))
		c.JSON(http.StatusInternalServerError, LifecycleResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, LifecycleResponse{Success: true, Message: "gateway restarted"})
}

// SendRequest is the body of POST /api/v1/send.
type SendRequest struct {
	Method string          `json:"method" binding:"required"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := s.ctrl.SendRequest(c.Request.Context(), req.Method, req.Params)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, protoclient.ErrNotAuthenticated):
			status = http.StatusConflict
		case errors.Is(err, protoclient.ErrRequestTimeout):
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payload": payload})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
