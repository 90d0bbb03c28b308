package main

import (
	"fmt"
	"net/http"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/agentworkforce/helpsync/internal/localstate"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const runtimeKey = "runtime"

// runtime is everything a command needs, built once per invocation.
type runtime struct {
	cfg         *config
	logger      *logrus.Logger
	backend     localstate.Backend
	identity    *localstate.Identity
	suppression *localstate.SuppressionStore
	manager     *helpsync.Manager
}

func newRuntime(cfg *config, logger *logrus.Logger) (*runtime, error) {
	backend, err := localstate.BuildBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	identity := localstate.NewIdentity(backend, logger)
	suppression, err := localstate.NewSuppressionStore(backend, logger)
	if err != nil {
		_ = localstate.Close(backend)
		return nil, fmt.Errorf("load declined requests: %w", err)
	}
	manager, err := helpsync.NewManager(helpsync.Options{
		Gateway:       helpsync.NewHTTPGateway(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout}),
		Identity:      identity,
		Suppression:   suppression,
		Logger:        logger,
		UndoWindow:    cfg.UndoWindow,
		RefreshDelay:  cfg.RefreshDelay,
		DeleteRetries: cfg.DeleteRetries,
	})
	if err != nil {
		_ = localstate.Close(backend)
		return nil, err
	}
	if cfg.Demo {
		seeded := manager.SeedDemo()
		logger.WithField("count", len(seeded)).Debug("seeded demo requests")
	}
	return &runtime{
		cfg:         cfg,
		logger:      logger,
		backend:     backend,
		identity:    identity,
		suppression: suppression,
		manager:     manager,
	}, nil
}

func (rt *runtime) Close() {
	rt.manager.Close()
	if err := localstate.Close(rt.backend); err != nil {
		rt.logger.WithError(err).Warn("failed to close local state")
	}
}

func fromContext(cCtx *cli.Context) *runtime {
	rt, _ := cCtx.App.Metadata[runtimeKey].(*runtime)
	return rt
}
