package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vivangkumar/forward/cmd/internal/config"
	"github.com/vivangkumar/forward/cmd/internal/history"
	"github.com/vivangkumar/forward/cmd/internal/server"
	"github.com/vivangkumar/forward/cmd/internal/timedbuffer"
	"github.com/vivangkumar/forward/pkg/forwarder"
)

const (
	configFlag           = "config"
	endpointFlag         = "endpoint"
	tokenFlag            = "token"
	maxRpmFlag           = "max-rpm"
	threadsFlag          = "threads"
	rateLimiterFlag      = "rate-limiter"
	verboseFlag          = "verbose"
	addrFlag             = "addr"
	stdinFlag            = "stdin"
	intervalFlag         = "interval"
	maxBufferSizeFlag    = "max-buffer-size"
	historyDBFlag        = "history-db"
	historyRetentionFlag = "history-retention"
	pruneScheduleFlag    = "prune-schedule"
)

const (
	// serverShutdownTimeout bounds the HTTP server shut down.
	serverShutdownTimeout = 5 * time.Second

	// poolDrainTimeout bounds the wait for workers that
	// outlived the pool grace period.
	poolDrainTimeout = 30 * time.Second
)

// New creates a new command line interface that forwards
// notifications received over HTTP or read from stdin.
func New() *cli.App {
	return &cli.App{
		Name:  "forward",
		Usage: "forwards notifications to a collector, rate limited",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:    endpointFlag,
				Aliases: []string{"e"},
				Usage:   "collector base url, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  tokenFlag,
				Usage: "authorization token used when a notification has none",
			},
			&cli.IntFlag{
				Name:    maxRpmFlag,
				Aliases: []string{"rpm"},
				Usage:   "max requests per minute sent to the collector",
			},
			&cli.IntFlag{
				Name:    threadsFlag,
				Aliases: []string{"t"},
				Usage:   "number of forwarding workers",
			},
			&cli.StringFlag{
				Name:  rateLimiterFlag,
				Usage: "rate limiter, window or bucket",
			},
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				Value:   false,
				Usage:   "enables logging",
			},
			&cli.StringFlag{
				Name:  addrFlag,
				Value: ":8080",
				Usage: "address the HTTP server listens on, empty to disable",
			},
			&cli.BoolFlag{
				Name:  stdinFlag,
				Usage: "read \"<subject> <value>\" lines from stdin",
			},
			&cli.DurationFlag{
				Name:    intervalFlag,
				Aliases: []string{"i"},
				Value:   time.Second,
				Usage:   "interval after which lines read from stdin are forwarded",
			},
			&cli.IntFlag{
				Name:    maxBufferSizeFlag,
				Aliases: []string{"bs"},
				Value:   1000,
				Usage:   "max lines buffered from stdin between flushes",
			},
			&cli.StringFlag{
				Name:  historyDBFlag,
				Usage: "path to a SQLite database recording notification history",
			},
			&cli.DurationFlag{
				Name:  historyRetentionFlag,
				Value: 7 * 24 * time.Hour,
				Usage: "how long history is kept",
			},
			&cli.StringFlag{
				Name:  pruneScheduleFlag,
				Value: "@every 1h",
				Usage: "cron schedule on which old history is deleted",
			},
		},
		Action: run,
	}
}

// overrides returns the configuration keys set by flags.
func overrides(ctx *cli.Context) map[string]any {
	out := make(map[string]any)

	if ctx.IsSet(endpointFlag) {
		out["endpoint"] = ctx.String(endpointFlag)
	}
	if ctx.IsSet(tokenFlag) {
		out["authToken"] = ctx.String(tokenFlag)
	}
	if ctx.IsSet(maxRpmFlag) {
		out["maxRequestsPerMinute"] = ctx.Int(maxRpmFlag)
	}
	if ctx.IsSet(threadsFlag) {
		out["clientThreads"] = ctx.Int(threadsFlag)
	}
	if ctx.IsSet(rateLimiterFlag) {
		out["rateLimiter"] = ctx.String(rateLimiterFlag)
	}

	return out
}

// run is the main entry point to the program.
func run(ctx *cli.Context) error {
	values, err := config.Load(ctx.String(configFlag), overrides(ctx))
	if err != nil {
		return err
	}

	cfg, err := forwarder.ParseConfig(values)
	if err != nil {
		return err
	}

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{})
	logger.SetOutput(io.Discard)

	opts := []forwarder.Opt{
		forwarder.WithMetrics(prometheus.NewRegistry()),
	}
	if ctx.Bool(verboseFlag) {
		logger.SetOutput(os.Stderr)
		opts = append(opts, forwarder.WithLogger(logger))
	}

	f, err := forwarder.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("forwarder: %w", err)
	}

	var (
		histories server.HistoryFunc
		// store is closed by shutdown, once the workers
		// stopped appending to it.
		store io.Closer
	)
	if path := ctx.String(historyDBFlag); path != "" {
		hs, err := history.Open(path, logger)
		if err != nil {
			return err
		}

		if err := hs.StartPruning(ctx.String(pruneScheduleFlag), ctx.Duration(historyRetentionFlag)); err != nil {
			_ = hs.Close()
			return err
		}
		histories = hs.For
		store = hs
	}

	pool := forwarder.NewPool(f)
	// Workers are stopped by shutdown, once producers are.
	pool.Start(context.WithoutCancel(ctx.Context))

	var srv *http.Server
	if addr := ctx.String(addrFlag); addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           server.New(f, histories, logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.WithField("addr", addr).Info("starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("server error")
			}
		}()
	}

	var n *notifier
	if ctx.Bool(stdinFlag) {
		buffer := timedbuffer.New[sample](ctx.Duration(intervalFlag), ctx.Int(maxBufferSizeFlag))
		n = newNotifier(f, buffer, histories, os.Stdin, logger)
		n.start(ctx.Context)
	}

	<-ctx.Done()
	logger.Info("received interrupt...")

	return shutdown(srv, n, pool, store, logger)
}

// shutdown stops the producers first, then the workers, and
// closes the history store last.
//
// An error here is only indicative that
// we couldn't shut down gracefully.
func shutdown(srv *http.Server, n *notifier, pool *forwarder.Pool, store io.Closer, logger *log.Logger) error {
	var errs []error

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}

	if n != nil {
		// Samples still buffered are enqueued without waiting
		// for capacity.
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		n.stop(cctx)
	}

	if err := pool.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}

	if store != nil {
		// Workers past the grace period still append to
		// the history of the notifications they send.
		select {
		case <-pool.Done():
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history: %w", err))
			}
		case <-time.After(poolDrainTimeout):
			logger.Warn("workers still running, history store left open")
		}
	}

	logger.Info("forwarder stopped")

	return errors.Join(errs...)
}
