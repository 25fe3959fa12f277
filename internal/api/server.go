package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/chatlink-dev/chatlinkd/internal/api/middleware"
	"github.com/chatlink-dev/chatlinkd/internal/buildinfo"
	"github.com/chatlink-dev/chatlinkd/internal/config"
	"github.com/chatlink-dev/chatlinkd/internal/logging"
)

// Server is the management API server.
type Server struct {
	cfg     func() *config.Config
	handler *Handler
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer assembles the gin engine with logging, recovery, API-key auth,
// and the endpoint set.
func NewServer(cfg func() *config.Config, handler *Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	s := &Server{cfg: cfg, handler: handler, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": buildinfo.Version,
			"commit":  buildinfo.Commit,
		})
	})

	// The browser redirect for authorization-code flows lands on the
	// dedicated callback server, not here; this route exists for clients
	// that paste the callback URL instead.
	v1 := s.engine.Group("/v1")
	v1.Use(middleware.APIKeyAuth(func() []string { return s.cfg().APIKeys }))

	share := v1.Group("/share")
	share.POST("/links", s.handler.createShareLink)
	share.POST("/links/preview", s.handler.previewShareLink)
	share.POST("/links/apply", s.handler.applyShareLink)

	v1.GET("/connections", s.handler.listConnections)
	v1.POST("/connections/:server/flows", s.handler.startFlow)
	v1.POST("/connections/:server/refresh", s.handler.refreshConnection)
	v1.DELETE("/connections/:server", s.handler.disconnect)

	flows := v1.Group("/oauth")
	flows.GET("/flows", s.handler.listFlows)
	flows.GET("/flows/:id", s.handler.getFlow)
	flows.DELETE("/flows/:id", s.handler.cancelFlow)
	flows.POST("/flows/:id/device-authorization", s.handler.submitDeviceAuthorization)
	flows.POST("/flows/:id/token-response", s.handler.submitTokenResponse)
	flows.POST("/callback", s.handler.submitCallback)
	flows.GET("/events", s.handler.streamFlowEvents)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("management API listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown management API: %w", err)
	}
	return <-errCh
}
