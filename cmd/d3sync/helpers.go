package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	d3 "github.com/jsnika87/d3-pwa"
	"golang.org/x/time/rate"
)

// passageRate caps passage fetches against the app's proxy.
const passageRate = rate.Limit(2)

// session is an engine plus the resources it was built from.
type session struct {
	cfg      *Config
	engine   *d3.Engine
	store    d3.Store
	supabase *d3.SupabaseClient
	logger   *slog.Logger
	closers  []func()
}

// Close stops the engine, then releases the remote and the store.
func (s *session) Close() error {
	err := s.engine.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// openSession resolves the configuration and builds an engine. Each tune
// func may adjust the engine options before construction.
func openSession(ctx context.Context, tune ...func(*d3.Options)) (*session, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger()

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, store: store, logger: logger}

	remote, err := s.openRemote(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := d3.Options{
		Store:  store,
		Remote: remote,
		Logger: logger,
	}
	if cfg.Default.AppURL != "" {
		opts.Passages = d3.NewPassageClient(cfg.Default.AppURL, nil, passageRate)
	}
	for _, fn := range tune {
		fn(&opts)
	}
	engine, err := d3.NewEngine(opts)
	if err != nil {
		for _, c := range s.closers {
			c()
		}
		store.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// openStore opens the local store named by default.store.
func openStore(cfg *Config) (d3.Store, error) {
	switch cfg.Default.Store {
	case "", "sqlite":
		path := cfg.Default.StorePath
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "d3.db")
		}
		return d3.OpenSQLiteStore(path)
	case "redis":
		if cfg.Default.RedisURL == "" {
			return nil, errors.New("store is redis but default.redis_url is not set")
		}
		return d3.NewRedisStore(cfg.Default.RedisURL)
	case "memory":
		return d3.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store %q (valid: sqlite, redis, memory)", cfg.Default.Store)
	}
}

// openRemote connects to Postgres when default.database_url is set and to
// the Supabase REST API otherwise.
func (s *session) openRemote(ctx context.Context) (d3.Remote, error) {
	cfg := s.cfg
	if cfg.Default.DatabaseURL != "" {
		remote, pool, err := d3.OpenPostgresRemote(ctx, cfg.Default.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		return remote, nil
	}
	if cfg.Default.SupabaseURL == "" || cfg.Default.AnonKey == "" {
		return nil, errors.New("no remote configured. Run 'd3sync init <supabase-url> <anon-key>' first")
	}
	s.supabase = d3.NewSupabaseClient(cfg.Default.SupabaseURL, cfg.Default.AnonKey,
		d3.WithAccessToken(cfg.Auth.AccessToken))
	return s.supabase, nil
}

// userID returns --user or auth.user_id.
func userID(cfg *Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Auth.UserID == "" {
		return "", errors.New("no user id. Pass --user or set auth.user_id")
	}
	return cfg.Auth.UserID, nil
}

// bibleID returns the configured version or the app default.
func bibleID(cfg *Config) int {
	if cfg.Default.BibleID > 0 {
		return cfg.Default.BibleID
	}
	return d3.DefaultBibleID
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
