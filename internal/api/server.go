package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"face-attendance/config"
	"face-attendance/internal/api/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RouteRegistrar ist ein Handler, der seine Routen unter /api einhängt
type RouteRegistrar interface {
	RegisterRoutes(router *gin.RouterGroup)
}

// RootRegistrar hängt Routen direkt an die Wurzel (z.B. /snapshots)
type RootRegistrar interface {
	RegisterRoutes(router gin.IRouter)
}

// NewRouter baut den gin-Router mit CORS, Recovery und Request-Logging
func NewRouter(api []RouteRegistrar, root []RootRegistrar) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := router.Group("/api")
	for _, h := range api {
		h.RegisterRoutes(group)
	}
	for _, h := range root {
		h.RegisterRoutes(router)
	}
	return router
}

// requestLogger protokolliert Anfragen über logrus
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

// Server ist der HTTP-Server der Anwendung
type Server struct {
	http *http.Server
}

// NewServer erstellt den HTTP-Server für die konfigurierte Adresse
func NewServer(cfg config.ServerConfig, router http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run startet den Server und fährt ihn herunter, sobald ctx endet
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

var (
	_ RouteRegistrar = (*handlers.APIHandler)(nil)
	_ RouteRegistrar = (*handlers.SystemHandler)(nil)
	_ RouteRegistrar = (*handlers.StreamHandler)(nil)
)
