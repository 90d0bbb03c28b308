package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("helpsync failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "helpsync",
		Usage: "Keep a local view of neighborhood help requests in sync with the request service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-url", Usage: "request service base URL (HELPSYNC_BASE_URL)"},
			&cli.StringFlag{Name: "token", Usage: "bearer token (HELPSYNC_TOKEN)"},
			&cli.StringFlag{Name: "state-dsn", Usage: "local state location: file path, file://, memory:// or postgres:// (HELPSYNC_STATE_DSN)"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-request timeout (HELPSYNC_TIMEOUT)"},
			&cli.BoolFlag{Name: "demo", Usage: "add local-only demo requests (HELPSYNC_DEMO)"},
			&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace (HELPSYNC_LOG_LEVEL)"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json (HELPSYNC_LOG_FORMAT)"},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			watchCommand,
			listCommand,
			postCommand,
			acceptCommand,
			completeCommand,
			cancelCommand,
			declineCommand,
			whoamiCommand,
			declinedCommand,
			forgetCommand,
		},
	}
}

func setup(cCtx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.applyFlags(cCtx)
	logger, err := newLogger(cfg, cCtx.App.ErrWriter)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	if cCtx.App.Metadata == nil {
		cCtx.App.Metadata = map[string]interface{}{}
	}
	cCtx.App.Metadata[runtimeKey] = rt
	return nil
}

func teardown(cCtx *cli.Context) error {
	if rt := fromContext(cCtx); rt != nil {
		rt.Close()
		delete(cCtx.App.Metadata, runtimeKey)
	}
	return nil
}
