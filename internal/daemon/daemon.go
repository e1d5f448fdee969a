package daemon

import (
	"context"
	"log/slog"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/engine"
)

// Daemon is the long-running sync process: one engine manager plus the
// optional control plane.
type Daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	manager *engine.Manager
	control *ControlPlane
}

func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	manager, err := engine.NewManager(cfg, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		manager: manager,
	}
	if cfg.ControlAddr != "" {
		d.control = NewControlPlane(cfg.ControlAddr, manager, log)
	}
	return d, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.manager.Start(ctx); err != nil {
		return err
	}

	if d.control != nil {
		d.control.Start()
	}

	<-ctx.Done()
	d.log.Info("shutting down")

	if d.control != nil {
		d.control.Stop(context.Background())
	}
	d.manager.Stop()
	return nil
}
