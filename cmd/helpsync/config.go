package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const envPrefix = "HELPSYNC"

type config struct {
	BaseURL        string        `envconfig:"BASE_URL" default:"http://127.0.0.1:8080"`
	Token          string        `envconfig:"TOKEN"`
	StateDSN       string        `envconfig:"STATE_DSN"`
	Timeout        time.Duration `envconfig:"TIMEOUT" default:"15s"`
	Interval       time.Duration `envconfig:"INTERVAL" default:"5s"`
	IntervalJitter float64       `envconfig:"INTERVAL_JITTER" default:"0.2"`
	UndoWindow     time.Duration `envconfig:"UNDO_WINDOW" default:"10s"`
	RefreshDelay   time.Duration `envconfig:"REFRESH_DELAY" default:"1s"`
	DeleteRetries  int           `envconfig:"DELETE_RETRIES" default:"3"`
	ObserveAddr    string        `envconfig:"OBSERVE_ADDR"`
	Demo           bool          `envconfig:"DEMO"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"text"`
}

func loadConfig() (*config, error) {
	c := new(config)
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		dsn, err := defaultStateDSN()
		if err != nil {
			return nil, err
		}
		c.StateDSN = dsn
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	c.IntervalJitter = clampJitterRatio(c.IntervalJitter)
	return c, nil
}

func defaultStateDSN() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for state file: %w", err)
	}
	return "file://" + filepath.Join(home, ".helpsync", "state.json"), nil
}

// applyFlags lets explicitly set global flags win over the environment.
func (c *config) applyFlags(cCtx *cli.Context) {
	if cCtx.IsSet("base-url") {
		c.BaseURL = cCtx.String("base-url")
	}
	if cCtx.IsSet("token") {
		c.Token = cCtx.String("token")
	}
	if cCtx.IsSet("state-dsn") {
		c.StateDSN = cCtx.String("state-dsn")
	}
	if cCtx.IsSet("timeout") {
		c.Timeout = cCtx.Duration("timeout")
	}
	if cCtx.IsSet("demo") {
		c.Demo = cCtx.Bool("demo")
	}
	if cCtx.IsSet("log-level") {
		c.LogLevel = cCtx.String("log-level")
	}
	if cCtx.IsSet("log-format") {
		c.LogFormat = cCtx.String("log-format")
	}
}

func newLogger(c *config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	logger.SetLevel(level)
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return logger, nil
}
