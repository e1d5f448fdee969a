package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/nasync/nasync/internal/engine"
	"github.com/nasync/nasync/internal/version"
)

// ControlPlane is a small loopback HTTP surface for inspecting a running
// daemon. It only exists when control_addr is configured.
type ControlPlane struct {
	manager *engine.Manager
	server  *http.Server
	log     *slog.Logger
}

func NewControlPlane(addr string, manager *engine.Manager, log *slog.Logger) *ControlPlane {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(
		gin.Recovery(),
		slogGin.NewWithConfig(log.WithGroup("http"), slogGin.Config{
			DefaultLevel:     slog.LevelDebug,
			ClientErrorLevel: slog.LevelWarn,
			ServerErrorLevel: slog.LevelError,
		}),
	)

	cp := &ControlPlane{
		manager: manager,
		log:     log.With("component", "controlplane"),
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	v1 := router.Group("/v1")
	v1.GET("/status", cp.getStatus)
	v1.GET("/healthz", cp.getHealth)

	return cp
}

func (cp *ControlPlane) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.Version,
		"status":  cp.manager.Status(),
	})
}

func (cp *ControlPlane) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (cp *ControlPlane) Start() {
	go func() {
		cp.log.Info("control plane listening", "addr", cp.server.Addr)
		if err := cp.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cp.log.Error("control plane failed", "error", err)
		}
	}()
}

func (cp *ControlPlane) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cp.server.Shutdown(shutdownCtx); err != nil {
		cp.log.Warn("control plane shutdown", "error", err)
	}
}
