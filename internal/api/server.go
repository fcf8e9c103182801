package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/plugins"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/recovery"
	"github.com/opsgate/opsgate/internal/sandbox"
)

var log = logger.New("api")

// Server is the management API over the policy engine, rule store, sandbox
// manager, and capability registry. It evaluates and advises; command
// execution stays on the CLI path.
type Server struct {
	engine   *policy.Engine
	store    *policy.Store
	manager  *sandbox.Manager
	recovery *recovery.Engine
	registry *plugins.Registry
	router   *gin.Engine
}

// NewServer wires the management API routes.
func NewServer(engine *policy.Engine, store *policy.Store, manager *sandbox.Manager, rec *recovery.Engine, registry *plugins.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())
	router.Use(BodySizeLimitMiddleware(MaxBodySize))

	s := &Server{
		engine:   engine,
		store:    store,
		manager:  manager,
		recovery: rec,
		registry: registry,
		router:   router,
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on the given port until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("Management API listening on :%d", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/check", s.handleCheck)
	s.router.POST("/dry-run", s.handleDryRun)
	s.router.GET("/rules", s.handleRules)
	s.router.GET("/plugins", s.handlePlugins)

	sandboxes := s.router.Group("/sandboxes")
	{
		sandboxes.GET("", s.handleListSandboxes)
		sandboxes.GET("/:id", s.handleGetSandbox)
		sandboxes.DELETE("/:id", s.handleDestroySandbox)
		sandboxes.POST("/cleanup-expired", s.handleCleanupExpired)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	Success(c, gin.H{"status": "ok"})
}

type checkRequest struct {
	Command string `json:"command" binding:"required"`
	User    string `json:"user"`
}

// checkResponse is the policy verdict plus recovery advice for blocks.
type checkResponse struct {
	Allowed              bool                `json:"allowed"`
	Action               string              `json:"action"`
	RequiresConfirmation bool                `json:"requires_confirmation"`
	RiskScore            int                 `json:"risk_score"`
	Message              string              `json:"message"`
	Stage                string              `json:"stage"`
	MatchedRule          string              `json:"matched_rule,omitempty"`
	Suggestions          []recovery.Suggestion `json:"suggestions,omitempty"`
	Explanation          string              `json:"explanation,omitempty"`
}

func (s *Server) verdict(res policy.Result, command string) checkResponse {
	out := checkResponse{
		Allowed:              res.Allowed,
		Action:               string(res.Action),
		RequiresConfirmation: res.RequiresConfirmation,
		RiskScore:            res.RiskScore,
		Message:              res.Message,
		Stage:                string(res.Stage),
	}
	if res.MatchedRule != nil {
		out.MatchedRule = res.MatchedRule.Name
	}
	if !res.Allowed {
		out.Suggestions = s.recovery.SuggestAlternatives(command)
		out.Explanation = s.recovery.ExplainBlock(command, out.MatchedRule)
	}
	return out
}

func (s *Server) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "command is required")
		return
	}
	res := s.engine.Evaluate(c.Request.Context(), req.Command, req.User)
	Success(c, s.verdict(res, req.Command))
}

func (s *Server) handleDryRun(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "command is required")
		return
	}
	res := s.engine.DryRun(req.Command)
	Success(c, s.verdict(res, req.Command))
}

func (s *Server) handleRules(c *gin.Context) {
	rules := s.store.Rules()
	out := make([]gin.H, 0, len(rules))
	for _, r := range rules {
		out = append(out, gin.H{
			"name":        r.Name,
			"description": r.Description,
			"pattern":     r.Pattern,
			"action":      r.Action,
			"severity":    r.Severity,
			"category":    r.Category,
			"source":      r.Source,
		})
	}
	Success(c, gin.H{"rules": out, "count": len(out)})
}

func (s *Server) handlePlugins(c *gin.Context) {
	Success(c, gin.H{"plugins": s.registry.List()})
}

func (s *Server) handleListSandboxes(c *gin.Context) {
	Success(c, gin.H{"sandboxes": s.manager.List()})
}

func (s *Server) handleGetSandbox(c *gin.Context) {
	info, ok := s.manager.Get(c.Param("id"))
	if !ok {
		Error(c, http.StatusNotFound, "sandbox not found")
		return
	}
	Success(c, info)
}

func (s *Server) handleDestroySandbox(c *gin.Context) {
	id := c.Param("id")
	if !s.manager.Destroy(id) {
		Error(c, http.StatusNotFound, "sandbox not found or already destroyed")
		return
	}
	Success(c, gin.H{"destroyed": id})
}

func (s *Server) handleCleanupExpired(c *gin.Context) {
	Success(c, gin.H{"reclaimed": s.manager.CleanupExpired()})
}
