package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinjamaja/rentsync"
	"github.com/pinjamaja/rentsync/docstore"
	"github.com/pinjamaja/rentsync/pgstore"
)

const readyTimeout = 15 * time.Second

// client is an opened backend plus the session running over it.
type client struct {
	cfg     *Config
	log     *logrus.Logger
	metrics *rentsync.Metrics

	backend rentsync.Backend
	// auth is set for backends without a hosted auth service.
	auth    *rentsync.StoreAuthenticator
	hosted  *rentsync.HostedBackend
	pg      *pgstore.Store
	webhook *rentsync.WebhookSource

	session *rentsync.Session
	closers []func()
}

func (c *client) Close() {
	if c.session != nil {
		c.session.Close()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// openBackend connects the configured backend and restores a saved session.
func openBackend(ctx context.Context, cfg *Config) (*client, error) {
	log := rentsync.NewLogger(valueOrDefault(cfg.Default.LogLevel, "warn"))
	c := &client{cfg: cfg, log: log}

	var store rentsync.Store
	var sub rentsync.Subscriber

	switch valueOrDefault(cfg.Default.Backend, "hosted") {
	case "hosted":
		if cfg.Hosted.BaseURL == "" || cfg.Hosted.APIKey == "" {
			return nil, errors.New("hosted backend needs hosted.base_url and hosted.api_key; run 'rentsync init hosted'")
		}
		var opts []rentsync.RESTOption
		if cfg.Auth.AccessToken != "" {
			opts = append(opts, rentsync.WithAccessToken(cfg.Auth.AccessToken))
		}
		hb := rentsync.NewHostedBackend(cfg.Hosted.BaseURL, cfg.Hosted.APIKey, rentsync.RealtimeConfig{
			AutoReconnect: cfg.Hosted.AutoReconnect,
			Logger:        log.WithField("component", "realtime"),
		}, opts...)
		c.hosted = hb
		c.backend = hb
		c.closers = append(c.closers, func() { hb.Close() })

	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, errors.New("postgres backend needs postgres.dsn")
		}
		pg, err := pgstore.Connect(ctx, cfg.Postgres.DSN, pgstore.WithLogger(log.WithField("component", "pgstore")))
		if err != nil {
			return nil, err
		}
		c.pg = pg
		c.closers = append(c.closers, pg.Close)
		store, sub = pg, pg

	case "firestore":
		if cfg.Firestore.Project == "" {
			return nil, errors.New("firestore backend needs firestore.project")
		}
		fs, err := docstore.Connect(ctx, cfg.Firestore.Project, cfg.Firestore.CredentialsFile,
			docstore.WithLogger(log.WithField("component", "docstore")))
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { fs.Close() })
		store, sub = fs, fs

	case "memory":
		mem := rentsync.NewMemoryStore()
		if cfg.Memory.Fixtures != "" {
			fx, err := rentsync.LoadFixtures(cfg.Memory.Fixtures)
			if err != nil {
				return nil, err
			}
			if _, err := fx.Apply(ctx, mem); err != nil {
				return nil, err
			}
		}
		c.backend = mem.Client()

	default:
		return nil, fmt.Errorf("unknown backend %q (valid: hosted, postgres, firestore, memory)", cfg.Default.Backend)
	}

	if store != nil {
		c.auth = rentsync.NewStoreAuthenticator(store)
		c.backend = &rentsync.CompositeBackend{Store: store, Subscriber: sub, Authenticator: c.auth}
		if cfg.Auth.UserID != "" {
			if _, err := c.auth.Resume(ctx, cfg.Auth.UserID); err != nil {
				log.WithError(err).Warn("saved session is no longer valid")
			}
		}
	}

	if cfg.Webhook.Secret != "" {
		src, err := rentsync.NewWebhookSource(cfg.Webhook.Secret, log.WithField("component", "webhook"))
		if err != nil {
			return nil, err
		}
		c.webhook = src
		c.backend = &rentsync.CompositeBackend{Store: c.backend, Subscriber: src, Authenticator: c.backend}
	}
	return c, nil
}

func openCache(ctx context.Context, cfg *Config) (rentsync.CacheBackend, error) {
	switch valueOrDefault(cfg.Cache.Backend, "file") {
	case "file":
		dir := cfg.Cache.Dir
		if dir == "" {
			base, err := configDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(base, "cache")
		}
		return rentsync.NewFileCacheBackend(dir)
	case "redis":
		return rentsync.NewRedisCacheBackend(ctx, cfg.Cache.RedisURL, "rentsync:", 0)
	case "memory":
		return rentsync.NewMemoryCacheBackend(0), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q (valid: file, redis, memory, none)", cfg.Cache.Backend)
}

// startSession builds and starts the session and waits for the initial load.
func (c *client) startSession(ctx context.Context) error {
	opts := []rentsync.SessionOption{
		rentsync.WithLogger(c.log),
		rentsync.WithMetrics(c.metrics),
		rentsync.WithCachePolicy(rentsync.DefaultItemsCacheKey, c.cfg.Cache.MaxEntries, c.cfg.cacheMaxAge()),
		rentsync.WithPollInterval(c.cfg.pollInterval()),
		rentsync.WithItemsLimit(c.cfg.Default.ItemsLimit),
	}
	cache, err := openCache(ctx, c.cfg)
	if err != nil {
		c.log.WithError(err).Warn("items cache disabled")
	} else if cache != nil {
		opts = append(opts, rentsync.WithCacheBackend(cache))
	}

	c.session = rentsync.NewSession(c.backend, opts...)
	if err := c.session.Start(ctx); err != nil {
		return err
	}
	select {
	case <-c.session.Ready():
		return nil
	case <-time.After(readyTimeout):
		return errors.New("timed out loading data")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withSession opens the backend, runs fn against a ready session and closes
// everything.
func withSession(fn func(ctx context.Context, c *client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Backend == "memory" && !memoryAllowed {
		return errors.New("the memory backend keeps no state between runs; use 'rentsync watch' or 'rentsync demo'")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.startSession(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

// memoryAllowed is set by long-running commands.
var memoryAllowed bool

// requireSignedIn fails when no saved session was restored.
func requireSignedIn(s *rentsync.Session) (*rentsync.Identity, error) {
	id := s.Identity()
	if id == nil {
		return nil, errors.New("not signed in; run 'rentsync login' first")
	}
	return id, nil
}

// saveAuth persists what is needed to restore the current session.
func (c *client) saveAuth() error {
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	cfg.Auth = ConfigAuth{}
	if id := c.session.Identity(); id != nil {
		cfg.Auth.UserID = id.ID
		cfg.Auth.Email = id.Email
		if c.hosted != nil {
			cfg.Auth.AccessToken = c.hosted.AccessToken()
		}
	}
	return saveConfig(cfg)
}

// outcomeErr turns a failed intent into a command error.
func outcomeErr(what string, o rentsync.Outcome) error {
	if o.OK {
		return nil
	}
	return fmt.Errorf("%s: %w", what, o.Err())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
