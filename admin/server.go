// Package admin exposes a read-only HTTP introspection API over the running
// mesh: registered tools and chains, per-tool health, chain run status,
// trigger rules and process uptime. It never mutates orchestration state.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/health"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/tool"
	"github.com/toolmesh/toolmesh/trigger"
)

// Options configures the admin server.
type Options struct {
	// Logger receives request lifecycle events. Defaults to NoOpLogger.
	Logger logging.Logger
	// Listen is the bind address. Defaults to ":8787".
	Listen string
}

// Server serves the introspection API.
type Server struct {
	agg      *health.Aggregator
	tools    *tool.Registry
	chains   *chain.Registry
	triggers *trigger.Engine
	logger   logging.Logger
	listen   string
	httpSrv  *http.Server
}

// New builds a Server over the given components. chains and triggers may be
// nil; their endpoints then return empty lists.
func New(agg *health.Aggregator, tools *tool.Registry, chains *chain.Registry, triggers *trigger.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger: logging.NewNoOpLogger(),
		Listen: ":8787",
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Server{
		agg:      agg,
		tools:    tools,
		chains:   chains,
		triggers: triggers,
		logger:   opts.Logger,
		listen:   opts.Listen,
	}
}

// Handler returns the routed gin engine. Exposed separately so tests can
// drive it with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	v1 := g.Group("/v1")
	v1.GET("/tools", s.listTools)
	v1.GET("/tools/:name/health", s.toolHealth)
	v1.GET("/chains", s.listChains)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.runStatus)
	v1.GET("/triggers", s.listTriggers)
	v1.GET("/health", s.systemHealth)
	v1.GET("/uptime", s.uptime)
	return g
}

// Start begins serving in a background goroutine. Shut down with Stop.
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("admin api listening", "addr", s.listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin api stopped", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.Descriptors()})
}

func (s *Server) toolHealth(c *gin.Context) {
	name := c.Param("name")
	h := s.agg.ToolHealth(name)
	if !h.Registered {
		c.JSON(http.StatusNotFound, gin.H{"err": "unknown tool: " + name})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) listChains(c *gin.Context) {
	defs := []chain.Definition{}
	if s.chains != nil {
		defs = s.chains.Definitions()
	}
	c.JSON(http.StatusOK, gin.H{"chains": defs})
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.agg.ChainRuns()})
}

func (s *Server) runStatus(c *gin.Context) {
	id := c.Param("id")
	run, err := s.agg.ChainStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "unknown run: " + id})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listTriggers(c *gin.Context) {
	rules := []trigger.RuleStatus{}
	if s.triggers != nil {
		rules = s.triggers.Rules()
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) systemHealth(c *gin.Context) {
	sys := s.agg.SystemHealth()
	status := http.StatusOK
	if sys.Status == health.StatusDegraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, sys)
}

func (s *Server) uptime(c *gin.Context) {
	c.JSON(http.StatusOK, s.agg.UptimeInfo())
}
