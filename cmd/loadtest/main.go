// Command loadtest appends generated trips to an event log and measures how
// fast the projection daemon catches up with them.
//
// LOADTEST_BACKEND selects the log: mem (default), sqlite or nats. The nats
// backend connects to JASPERFX_NATS_URL or NATS_URL, e.g. a server started
// with: docker run --net=host nats:latest -js
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/JasperFx/jasperfx-sub002/adapters/nats"
	"github.com/JasperFx/jasperfx-sub002/adapters/sqlite"
	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/memstore"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
	"github.com/JasperFx/jasperfx-sub002/internal/demo"
)

type config struct {
	Backend   string        `env:"LOADTEST_BACKEND"   envDefault:"mem"`
	Trips     int           `env:"LOADTEST_TRIPS"     envDefault:"5000"`
	Batch     int           `env:"LOADTEST_BATCH"     envDefault:"100"`
	PageSize  int           `env:"LOADTEST_PAGE_SIZE" envDefault:"500"`
	Timeout   time.Duration `env:"LOADTEST_TIMEOUT"   envDefault:"2m"`
	LogLevel  slog.Level    `env:"LOADTEST_LOG_LEVEL" envDefault:"warn"`
	KeepFiles bool          `env:"LOADTEST_KEEP_FILES"`
}

// backend is an event log plus the stores the demo projections write to.
type backend struct {
	append func(ctx context.Context, actions ...*events.StreamAction) error
	db     daemon.EventDatabase
	marks  daemon.HighWaterStore
	loader daemon.EventLoader
	stores demo.Stores
	close  func()
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelTimeout()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("loadtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	fmt.Printf("Backend: %s\n", cfg.Backend)
	fmt.Printf("Trips:   %d (append batch %d)\n", cfg.Trips, cfg.Batch)

	registry := events.NewRegistry()
	demo.Register(registry)

	b, err := newBackend(ctx, cfg, log, registry)
	if err != nil {
		return err
	}
	defer b.close()

	projections, err := demo.NewProjections(b.stores, log, cfg.PageSize)
	if err != nil {
		return err
	}
	settings := daemon.DefaultDaemonSettings()
	settings.SlowPollingTime = 100 * time.Millisecond
	settings.FastPollingTime = 10 * time.Millisecond
	d := daemon.New(b.db, b.marks, b.loader, daemon.WithLog(log), daemon.WithSettings(settings))
	if err := d.Add(projections.Sources()...); err != nil {
		return err
	}
	defer d.Close(context.Background())
	if err := d.StartAll(ctx); err != nil {
		return err
	}

	// === append ===

	rnd := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1))
	startAt := time.Now()
	lastTime := startAt
	appended := 0
	for i := 0; i < cfg.Trips; i += cfg.Batch {
		n := min(cfg.Batch, cfg.Trips-i)
		actions := demo.GenerateTrips(rnd, fmt.Sprintf("b%d", i/cfg.Batch), n)
		for _, a := range actions {
			appended += len(a.Events)
		}
		if err := b.append(ctx, actions...); err != nil {
			return fmt.Errorf("append: %w", err)
		}

		now := time.Now()
		took := now.Sub(lastTime)
		mu := getMemUsage()
		fmt.Printf(" | %5d trips | %6d ms | %6d trips/s | (%d / %d) MiB mem (sys) |\n",
			n, took.Milliseconds(), int(float64(n)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
		lastTime = now
	}
	appendTook := time.Since(startAt)

	// === catch up ===

	if err := d.WaitForNonStaleData(ctx); err != nil {
		return err
	}
	total := time.Since(startAt)
	runtime.GC()

	println("==========================================")
	fmt.Printf("       events: %d\n", appended)
	fmt.Printf("  append time: %.3f seconds\n", appendTook.Seconds())
	fmt.Printf("total runtime: %.3f seconds\n", total.Seconds())
	fmt.Printf("avg. events/s: %d\n", int(float64(appended)/total.Seconds()))
	for _, s := range d.Statuses() {
		fmt.Printf("  %-16s %-8s %d\n", s.Shard, s.Status, s.Position)
	}
	return nil
}

func newBackend(ctx context.Context, cfg config, log *slog.Logger, registry *events.Registry) (*backend, error) {
	switch cfg.Backend {
	case "mem":
		progress := storage.NewMemoryProgressStore()
		s := memstore.New("loadtest", progress, memstore.WithRegistry(registry))
		return &backend{
			append: s.Append,
			db:     s,
			marks:  s,
			loader: s,
			stores: memoryStores(progress),
			close:  func() {},
		}, nil

	case "sqlite":
		dir, err := os.MkdirTemp("", "jasperfx-loadtest-")
		if err != nil {
			return nil, err
		}
		db, err := sqlite.Open(ctx, filepath.Join(dir, "loadtest.db"), sqlite.WithLog(log), sqlite.WithRegistry(registry))
		if err != nil {
			return nil, err
		}
		fmt.Printf("Database: %s\n", filepath.Join(dir, "loadtest.db"))
		return &backend{
			append: db.Append,
			db:     db,
			marks:  db,
			loader: db,
			stores: demo.Stores{
				Trips:   sqlite.NewDocumentStore[*demo.Trip, string](db),
				Drivers: sqlite.NewDocumentStore[*demo.Driver, string](db),
				Batches: db.Batches(),
			},
			close: func() {
				_ = db.Close()
				if !cfg.KeepFiles {
					_ = os.RemoveAll(dir)
				}
			},
		}, nil

	case "nats":
		connect := nats.ReuseConnection(nats.ConnectDefault())
		run := strings.ToLower(gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8))
		marks, err := nats.NewKvStore(ctx, nats.KvConfig{Connect: connect, Bucket: "loadtest_" + run})
		if err != nil {
			return nil, err
		}
		progress := storage.NewKVProgressStore(marks)
		eventLog, err := nats.NewEventLog(ctx, nats.EventLogConfig{
			Connect:       connect,
			Log:           log,
			SubjectPrefix: "loadtest." + run,
			StreamName:    "loadtest_" + run,
			Registry:      registry,
			Progress:      progress,
			Marks:         marks,
			MaxAge:        time.Hour,
		})
		if err != nil {
			marks.Close()
			return nil, err
		}
		return &backend{
			append: eventLog.Append,
			db:     eventLog,
			marks:  eventLog,
			loader: eventLog,
			stores: memoryStores(progress),
			close:  func() {
				_ = eventLog.Close()
				marks.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func memoryStores(progress storage.ProgressStore) demo.Stores {
	return demo.Stores{
		Trips:   storage.NewMemoryDocumentStore[*demo.Trip, string](),
		Drivers: storage.NewMemoryDocumentStore[*demo.Driver, string](),
		Batches: storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress},
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
