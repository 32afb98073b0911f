package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync"
)

var (
	watchAddr    string
	watchWebhook string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchAddr, "addr", "127.0.0.1:9464", "listen address for /metrics and /snapshot (empty disables)")
	watchCmd.Flags().StringVar(&watchWebhook, "webhook-path", "/hooks/db", "path that accepts signed database webhooks when webhook.secret is set")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live changes",
	Long: "Keep a session open: print incoming messages and item changes as they arrive,\n" +
		"serve Prometheus metrics and the current snapshot over HTTP, and accept\n" +
		"signed database webhooks as a change source.",
	RunE: func(cmd *cobra.Command, args []string) error {
		memoryAllowed = true
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		reg := prometheus.NewRegistry()
		c.metrics = rentsync.NewMetrics("rentsync")
		if err := c.metrics.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		if err := c.startSession(ctx); err != nil {
			return err
		}
		c.printEvents()

		addr := valueOrDefault(cfg.Webhook.Addr, watchAddr)
		var srv *http.Server
		if addr != "" {
			srv = &http.Server{Addr: addr, Handler: c.router(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					c.log.WithError(err).Error("http server stopped")
					stop()
				}
			}()
			fmt.Printf("Serving on http://%s\n", addr)
		}

		snap := c.session.Snapshot()
		who := "anonymous"
		if snap.Identity != nil {
			who = valueOrDefault(snap.Identity.Username, snap.Identity.Email)
		}
		fmt.Printf("Watching as %s: %d items, %d chats. Press Ctrl+C to stop.\n", who, len(snap.Items), len(snap.Chats))

		for {
			select {
			case <-ctx.Done():
				if srv != nil {
					shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					srv.Shutdown(shutCtx)
					cancel()
				}
				return nil
			case err := <-c.session.FeedErrors():
				fmt.Fprintf(os.Stderr, "feed error: %v (the poller keeps data fresh)\n", err)
			}
		}
	},
}

func (c *client) router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.session.Snapshot())
	})
	if c.webhook != nil {
		r.Post(watchWebhook, c.webhook.HTTPHandlerFunc())
	}
	return r
}

func (c *client) printEvents() {
	e := c.session.Engine()
	e.OnNewRemoteMessage(func(m rentsync.NewRemoteMessage) {
		fmt.Printf("[%s] new message from %s: %s\n", time.Now().Format("15:04:05"), m.SenderName, m.Text)
	})
	e.OnNewRemoteItem(func(ev rentsync.NewRemoteItem) {
		fmt.Printf("[%s] new listing from %s: %s\n", time.Now().Format("15:04:05"), ev.OwnerName, ev.Item.Title)
	})
	e.OnItemsChanged(func(ev rentsync.ItemsChanged) {
		fmt.Printf("[%s] items changed: %d listed (v%d)\n", time.Now().Format("15:04:05"), len(ev.Items), ev.Version)
	})
}
