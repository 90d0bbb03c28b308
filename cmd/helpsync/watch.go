package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/agentworkforce/helpsync/internal/localstate"
	"github.com/agentworkforce/helpsync/internal/observe"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Keep refreshing and print changes until interrupted",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Usage: "refresh interval (HELPSYNC_INTERVAL)"},
		&cli.Float64Flag{Name: "interval-jitter", Usage: "refresh interval jitter ratio 0.0-1.0 (HELPSYNC_INTERVAL_JITTER)"},
		&cli.StringFlag{Name: "observe-addr", Usage: "serve snapshots over websocket at this address (HELPSYNC_OBSERVE_ADDR)"},
		&cli.BoolFlag{Name: "once", Usage: "run one refresh and exit"},
	},
	Action: watch,
}

func watch(cCtx *cli.Context) error {
	rt := fromContext(cCtx)
	cfg := rt.cfg
	if cCtx.IsSet("interval") {
		cfg.Interval = cCtx.Duration("interval")
	}
	if cCtx.IsSet("interval-jitter") {
		cfg.IntervalJitter = clampJitterRatio(cCtx.Float64("interval-jitter"))
	}
	if cCtx.IsSet("observe-addr") {
		cfg.ObserveAddr = cCtx.String("observe-addr")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	rootCtx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshots, unsubscribe := rt.manager.Subscribe(8)
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		reportSnapshots(cCtx, rt.logger, snapshots)
	}()

	if cfg.ObserveAddr != "" {
		shutdown := serveObserver(rootCtx, rt, cfg.ObserveAddr)
		defer shutdown()
	}
	if path, ok := localstate.FilePath(rt.backend); ok {
		go watchStateFile(rootCtx, rt, path)
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Timeout)
		defer cancel()
		// Failures are logged by the manager and reach reportSnapshots.
		_, _ = rt.manager.Refresh(ctx)
	}

	run()
	if cCtx.Bool("once") {
		unsubscribe()
		<-printed
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			rt.logger.WithField("reason", rootCtx.Err()).Info("watch stopping")
			return nil
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

// reportSnapshots prints a table whenever the visible requests change and
// logs failures carried by snapshots.
func reportSnapshots(cCtx *cli.Context, logger logrus.FieldLogger, snapshots <-chan helpsync.Snapshot) {
	var last []helpsync.HelpRequest
	first := true
	for snap := range snapshots {
		if snap.Err != nil {
			logger.WithError(snap.Err).Warn("requests may be out of date")
			continue
		}
		if !first && sameRequests(last, snap.Requests) {
			continue
		}
		first = false
		last = snap.Requests
		if err := printSnapshot(cCtx.App.Writer, snap); err != nil {
			logger.WithError(err).Warn("failed to print requests")
		}
	}
}

func sameRequests(a, b []helpsync.HelpRequest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalRequest(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalRequest(a, b helpsync.HelpRequest) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Details != b.Details || a.IsActive != b.IsActive ||
		a.Location != b.Location || a.CreatorID != b.CreatorID || a.IsDemo != b.IsDemo {
		return false
	}
	return equalPtr(a.TipAmount, b.TipAmount) && equalPtr(a.HelperName, b.HelperName) && equalPtr(a.Rating, b.Rating)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func serveObserver(ctx context.Context, rt *runtime, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/snapshots", observe.NewHub(rt.manager, observe.HubOptions{Logger: rt.logger}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rt.logger.WithField("addr", addr).Info("serving snapshots at /snapshots")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.WithError(err).Error("observer server stopped")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

// watchStateFile picks up declines made by another helpsync process sharing
// the same state file.
func watchStateFile(ctx context.Context, rt *runtime, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		rt.logger.WithError(err).Warn("state file watch disabled")
		return
	}
	err := localstate.WatchFile(ctx, path, rt.logger, func() {
		if err := rt.suppression.Reload(); err != nil {
			rt.logger.WithError(err).Warn("failed to reload declined requests")
			return
		}
		refreshCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeout)
		defer cancel()
		_, _ = rt.manager.Refresh(refreshCtx)
	})
	if err != nil {
		rt.logger.WithError(err).Warn("state file watch disabled")
	}
}
