package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	d3 "github.com/jsnika87/d3-pwa"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	watchRealtime = "realtime"
	watchProbe    = "probe"
	watchNone     = "none"
)

var (
	runWatch      string
	runDeadLetter bool
)

func init() {
	runCmd.Flags().StringVar(&runWatch, "watch", "", "Connectivity source: realtime, probe or none (default realtime when a Supabase URL is set)")
	runCmd.Flags().BoolVar(&runDeadLetter, "deadletter", false, "Set rejected writes aside instead of stopping on them")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: "Drain writes left from the last session, watch connectivity and drain on every\n" +
		"reconnect, mirror remote row changes, and serve /healthz, /status, /metrics and /hooks/db.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	conn := d3.NewConnectivity(false)
	metrics := d3.NewMetrics(prometheus.DefaultRegisterer)

	s, err := openSession(ctx, func(o *d3.Options) {
		o.Connectivity = conn
		o.Metrics = metrics
		if runDeadLetter {
			o.RejectPolicy = d3.RejectDeadLetter
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()
	logger := s.logger.With("component", "daemon")

	s.engine.On("sync.complete", func(_ string, payload any) {
		logger.Info("sync complete", "result", payload)
	})
	s.engine.On("sync.error", func(_ string, payload any) {
		logger.Warn("sync stopped", "result", payload)
	})

	watch := runWatch
	if watch == "" {
		watch = watchNone
		if s.cfg.Default.SupabaseURL != "" {
			watch = watchRealtime
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	state := func() string { return watch }
	switch watch {
	case watchRealtime:
		if s.cfg.Default.SupabaseURL == "" {
			return errors.New("realtime needs default.supabase_url")
		}
		w := d3.NewRealtimeWatcher(d3.RealtimeConfig{
			SupabaseURL: s.cfg.Default.SupabaseURL,
			AnonKey:     s.cfg.Default.AnonKey,
			AccessToken: s.cfg.Auth.AccessToken,
			Tables:      []string{"passage_responses", "week_completions"},
			Logger:      s.logger,
		})
		w.OnChange(func(ev d3.ChangeEvent) {
			if err := s.engine.ApplyChange(gctx, ev); err != nil {
				logger.Warn("apply change failed", "table", ev.Table, "type", ev.Type, "error", err)
			}
		})
		state = func() string { return string(w.State()) }
		g.Go(func() error {
			w.Run(gctx, conn)
			return nil
		})
	case watchProbe:
		if s.cfg.Default.SupabaseURL == "" {
			return errors.New("probe needs default.supabase_url")
		}
		probe := restProbe(s.cfg)
		probe.Logger = s.logger
		g.Go(func() error {
			probe.Run(gctx, conn)
			return nil
		})
	case watchNone:
		conn.SetOnline(true)
	default:
		return fmt.Errorf("unknown watch mode %q (valid: realtime, probe, none)", watch)
	}

	s.engine.Start()

	g.Go(func() error {
		retryDrains(gctx, s.engine, s.cfg.probeInterval(), logger)
		return nil
	})

	handler, err := newRouter(s.engine, s.cfg.Default.WebhookSecret, state)
	if err != nil {
		return err
	}
	addr := valueOrDefault(s.cfg.Default.ListenAddr, defaultListenAddr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "watch", watch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// retryDrains drains again every interval while online and writes remain.
// A drain that stopped on a failure is otherwise only retried on the next
// offline to online edge.
func retryDrains(ctx context.Context, e *d3.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.IsOnline() {
			continue
		}
		n, err := e.Queue().Len(ctx)
		if err != nil || n == 0 {
			continue
		}
		if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
			logger.Debug("retry drain stopped", "pending", n, "error", err)
		}
	}
}

// ============================================================================
// HTTP surface
// ============================================================================

type statusResponse struct {
	Online      bool   `json:"online"`
	Queued      int    `json:"queued"`
	DeadLetters int    `json:"dead_letters"`
	Pending     int    `json:"pending_writes"`
	Watch       string `json:"watch"`
}

// newRouter serves health, status, metrics and, when secret is set, the
// database change webhook.
func newRouter(e *d3.Engine, secret string, watchState func() string) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		queued, err := e.Queue().Len(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		dls, err := e.Queue().DeadLetters(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Online:      e.IsOnline(),
			Queued:      queued,
			DeadLetters: len(dls),
			Pending:     e.PendingWrites(),
			Watch:       watchState(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	if secret != "" {
		hook, err := d3.NewChangeWebhook(secret, e.ApplyChange)
		if err != nil {
			return nil, err
		}
		r.Handle("/hooks/db", hook.HTTPHandler())
	}
	return r, nil
}
