package httpServer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtmppush/pkg/push"
)

// Server wraps the stats/debug HTTP server for a running push session
type Server struct {
	router *gin.Engine
	pusher *push.Pusher
}

// New creates a new HTTP server exposing session stats and metrics
func New(pusher *push.Pusher) *Server {
	s := &Server{
		pusher: pusher,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.Default()

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/session", s.handleSession)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.pusher.Stats())
}
