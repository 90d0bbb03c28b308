package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/helpsync/internal/httpapi"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

type config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	Token           string        `envconfig:"TOKEN"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON         bool          `envconfig:"LOG_JSON"`
}

func loadConfig() (*config, error) {
	c := new(config)
	if err := envconfig.Process("HELPD", c); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	return c, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logrus.New()
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func run(ctx context.Context, cfg *config, logger *logrus.Logger) error {
	handler := httpapi.NewServerWithConfig(httpapi.NewStore(), httpapi.ServerConfig{
		Token:           cfg.Token,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("helpd listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("helpd shutting down")
	return server.Shutdown(shutdownCtx)
}
