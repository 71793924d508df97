// Command jasperfx-daemon runs the asynchronous projection daemon against a
// SQLite event log, using the trip demo projections.
//
//	jasperfx-daemon append-demo [n]   append n generated trips
//	jasperfx-daemon run               run the daemon until interrupted
//	jasperfx-daemon rebuild <name>    rebuild one projection and exit
//	jasperfx-daemon status            print shard progress and high water
//
// Settings are read from JASPERFX_* environment variables. While running,
// Prometheus metrics are served at JASPERFX_METRICS_ADDR/metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	promadapter "github.com/JasperFx/jasperfx-sub002/adapters/prometheus"
	"github.com/JasperFx/jasperfx-sub002/adapters/sqlite"
	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/internal/demo"
)

const usage = `usage: jasperfx-daemon <command> [args]

commands:
  append-demo [n]   append n generated trips (default JASPERFX_DEMO_TRIPS)
  run               run the daemon until interrupted
  rebuild <name>    rebuild a projection (dashboard, trip_log)
  status            print shard progress and high water
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := dispatch(ctx, cfg, log, os.Stdout, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func dispatch(ctx context.Context, cfg config, log *slog.Logger, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	db, err := sqlite.Open(ctx, cfg.DB, sqlite.WithLog(log), sqlite.WithRegistry(newRegistry()))
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd {
	case "append-demo":
		n := cfg.DemoTrips
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil || n <= 0 {
				return fmt.Errorf("invalid trip count %q", args[0])
			}
		}
		return appendDemo(ctx, db, log, n)
	case "run":
		return run(ctx, cfg, db, log)
	case "rebuild":
		if len(args) != 1 {
			return errUsage
		}
		return rebuild(ctx, cfg, db, log, args[0])
	case "status":
		return status(ctx, db, out)
	default:
		return errUsage
	}
}

func newRegistry() *events.Registry {
	r := events.NewRegistry()
	demo.Register(r)
	return r
}

func newDaemon(cfg config, db *sqlite.DB, log *slog.Logger, opts ...daemon.DaemonOption) (*daemon.Daemon, error) {
	projections, err := demo.NewProjections(demo.Stores{
		Trips:   sqlite.NewDocumentStore[*demo.Trip, string](db),
		Drivers: sqlite.NewDocumentStore[*demo.Driver, string](db),
		Batches: db.Batches(),
	}, log, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	opts = append([]daemon.DaemonOption{
		daemon.WithLog(log),
		daemon.WithSettings(cfg.settings()),
		daemon.WithDeadLetters(db.DeadLetters()),
		daemon.WithTracer(otel.Tracer("jasperfx-daemon")),
	}, opts...)
	d := daemon.New(db, db, db, opts...)
	if err := d.Add(projections.Sources()...); err != nil {
		return nil, err
	}
	return d, nil
}

func appendDemo(ctx context.Context, db *sqlite.DB, log *slog.Logger, n int) error {
	prefix, err := gonanoid.Generate("abcdefghijkmnpqrstuvwxyz23456789", 6)
	if err != nil {
		return err
	}
	actions := demo.GenerateTrips(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)), prefix, n)
	if err := db.Append(ctx, actions...); err != nil {
		return err
	}
	highest, err := db.FetchHighestEventSequenceNumber(ctx)
	if err != nil {
		return err
	}
	log.Info("appended demo trips", slog.Int("trips", n), slog.String("prefix", prefix), slog.Int64("highest", highest))
	return nil
}

func run(ctx context.Context, cfg config, db *sqlite.DB, log *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := newDaemon(cfg, db, log, daemon.WithMetrics(promadapter.NewDaemonMetrics(registry)))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics server starting", slog.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", slog.Any("error", err))
		}
	}()
	defer server.Shutdown(context.Background())

	if err := d.StartAll(ctx); err != nil {
		return err
	}
	log.Info("daemon running", slog.String("daemon", d.ID()), slog.String("db", cfg.DB))

	<-ctx.Done()
	log.Info("shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Close(stopCtx)
}

func rebuild(ctx context.Context, cfg config, db *sqlite.DB, log *slog.Logger, name string) error {
	d, err := newDaemon(cfg, db, log)
	if err != nil {
		return err
	}
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, cfg.RebuildTimeout)
	defer cancel()

	if err := d.StartAll(ctx); err != nil {
		return err
	}
	start := time.Now()
	if err := d.RebuildProjection(ctx, name); err != nil {
		return err
	}
	log.Info("rebuilt projection", slog.String("projection", name), slog.Duration("took", time.Since(start)))
	return nil
}

func status(ctx context.Context, db *sqlite.DB, out io.Writer) error {
	stats, err := db.FetchHighWaterStatistics(ctx)
	if err != nil {
		return err
	}
	progress, err := db.Progress().AllProgress(ctx)
	if err != nil {
		return err
	}
	letters, err := db.DeadLetters().List(ctx, "")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "database\t%s\n", db.Identifier())
	fmt.Fprintf(w, "highest sequence\t%d\n", stats.HighestSequence)
	fmt.Fprintf(w, "high water mark\t%d\n", stats.LastMark)
	fmt.Fprintf(w, "dead letters\t%d\n", len(letters))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SHARD\tSEQUENCE\tBEHIND")

	shards := make([]string, 0, len(progress))
	for shard := range progress {
		shards = append(shards, shard)
	}
	slices.Sort(shards)
	for _, shard := range shards {
		fmt.Fprintf(w, "%s\t%d\t%d\n", shard, progress[shard], max(stats.LastMark-progress[shard], 0))
	}
	return w.Flush()
}
