package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/data"
	"github.com/hfrick/nexus/internal/debug"
	"github.com/hfrick/nexus/internal/login"
	"github.com/hfrick/nexus/internal/monitor"
	"github.com/hfrick/nexus/internal/server"
	"github.com/hfrick/nexus/internal/shard"
)

// ServerSelection controls which server roles a Controller runs. Running both
// in one process is the default deployment; splitting them across processes
// only requires the shard's login_server_address to point at the right host.
type ServerSelection struct {
	Login bool
	Shard bool
}

// Controller is the main entrypoint for nexus. It initializes the shared
// resources (database, logging, monitoring), wires up the selected server
// backends, and runs them until the context is cancelled.
type Controller struct {
	Config *core.Config
	Run    ServerSelection

	logger *logrus.Logger
	wg     sync.WaitGroup
}

func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	db, err := data.Initialize(c.Config)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := data.Shutdown(db); err != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
	}()

	hub := monitor.NewHub()
	go monitor.Start(c.Config, c.logger, hub)

	var servers []*server.Server
	if c.Run.Login {
		backend := &login.Backend{Config: c.Config, Logger: c.logger, DB: db}
		servers = append(servers, server.New("LOGIN", c.Config.LoginAddress(), c.Config, c.logger, backend))
	}
	if c.Run.Shard {
		backend := &shard.Backend{Config: c.Config, Logger: c.logger, DB: db, Hub: hub}
		servers = append(servers, server.New("SHARD", c.Config.ShardAddress(), c.Config, c.logger, backend))
	}
	if len(servers) == 0 {
		return errors.New("no servers selected")
	}

	for _, s := range servers {
		s := s
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Errorf("[%s] exited with error: %v", s.Name(), err)
			}
		}()
	}

	c.wg.Wait()
	return nil
}
