package inspect

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/lqnet/internal/logger"
)

// Server serves a model summary over HTTP.
type Server struct {
	summary *Summary
}

func NewServer(s *Summary) *Server {
	return &Server{summary: s}
}

// Register mounts the summary routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/summary", s.handleSummary)
	e.GET("/v1/summary/nodes", s.handleNodes)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleSummary(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.summary)
}

func (s *Server) handleNodes(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.summary.Nodes)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Serve blocks serving the summary until ctx is cancelled.
func Serve(ctx context.Context, addr string, s *Summary, log logger.Logger) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	NewServer(s).Register(e)
	log.Info("serving model summary", "address", addr, "model", s.Name)
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}
