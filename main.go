package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DeterminateSystems/jsonringd/internal/ringbuffer"
)

func newRootCommand() *cobra.Command {
	var (
		configPath string
		flags      = DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:           "jsonringd",
		Short:         "Serve named JSON arrays backed by ring buffers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags given on the command line win over the file.
			fs := cmd.Flags()
			if fs.Changed("listen") {
				cfg.Listen = flags.Listen
			}
			if fs.Changed("history") {
				cfg.History = flags.History
			}
			if fs.Changed("memory-budget") {
				cfg.MemoryBudget = flags.MemoryBudget
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = flags.LogLevel
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&flags.Listen, "listen", flags.Listen, "HTTP listen address")
	fs.IntVar(&flags.History, "history", flags.History, "events kept per journal, 0 disables history")
	fs.IntVar(&flags.MemoryBudget, "memory-budget", flags.MemoryBudget, "bytes of slot storage allowed across all journals, 0 means unlimited")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "one of debug, info, warn, error")

	return cmd
}

func newAllocator(cfg Config, reg prometheus.Registerer) ringbuffer.Allocator {
	var next ringbuffer.Allocator = ringbuffer.HeapAllocator{}
	if cfg.MemoryBudget > 0 {
		next = ringbuffer.NewBudgetAllocator(cfg.MemoryBudget, next)
	}
	return NewInstrumentedAllocator(next, reg)
}

func run(ctx context.Context, cfg Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker := NewBroker()
	journals := NewJournals(broker, cfg.History,
		ringbuffer.WithAllocator(newAllocator(cfg, reg)),
		ringbuffer.WithLogger(logger),
	)
	defer journals.Close()
	registerJournalMetrics(reg, journals, broker)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(journals, broker, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening via HTTP", "addr", cfg.Listen, "history", cfg.History, "memory_budget", cfg.MemoryBudget)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jsonringd:", err)
		os.Exit(1)
	}
}
