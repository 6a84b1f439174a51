package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"digiqc/internal/auth"
	"digiqc/internal/config"
	"digiqc/internal/db"
	"digiqc/internal/engine"
	"digiqc/internal/logging"
	"digiqc/internal/migrate"
	"digiqc/internal/objectstore"
	"digiqc/internal/remote"
	"digiqc/internal/repo"
	"digiqc/internal/syncqueue"
)

// Runtime is everything a command needs, opened from one workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Log       *logrus.Logger
	DB        *sql.DB
	Queue     *syncqueue.Store
	Remote    *remote.Client
	Sessions  *auth.SessionManager
	Issuer    auth.Issuer
	Engine    engine.Engine

	closers []io.Closer
}

// Options tweak Open for a single invocation.
type Options struct {
	// ConfigFile overrides <workspace>/digiqc.yml.
	ConfigFile string
	// LogOutput replaces stderr as the console log sink.
	LogOutput io.Writer
	// Override adjusts the loaded config, e.g. from flags or env.
	Override func(cfg *config.Config)
}

// Open loads config, opens the workspace database and wires the engine.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg, err := loadConfig(workspace, opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger, logCloser, err := logging.New(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg, Log: logger, closers: []io.Closer{logCloser}}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func loadConfig(workspace, file string) (*config.Config, error) {
	if file != "" {
		return config.FromFile(file)
	}
	return config.LoadOrDefault(workspace)
}

func (rt *Runtime) open(ctx context.Context) error {
	cfg := rt.Config
	conn, err := db.Open(db.Config{Workspace: rt.Workspace})
	if err != nil {
		return err
	}
	rt.DB = conn
	rt.closers = append(rt.closers, conn)
	if err := migrate.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	persister, err := rt.queuePersister()
	if err != nil {
		return err
	}
	queue, err := syncqueue.Open(ctx, syncqueue.Options{Persister: persister, Logger: rt.Log})
	if err != nil {
		return err
	}
	rt.Queue = queue

	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return err
	}
	rt.Sessions = &auth.SessionManager{
		KV:        repo.KV{DB: conn},
		Validator: validator,
		Key:       cfg.Auth.SessionKey,
		Log:       rt.Log.WithField("component", "auth"),
	}
	rt.Issuer = auth.Issuer{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL.Duration}
	if rt.Issuer.Secret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		rt.Issuer.Secret = secret
		rt.Log.Warn("auth.jwt_secret is empty; API tokens will not survive a restart")
	}

	e := engine.New(conn, cfg, queue)
	e.Log = rt.Log.WithField("component", "engine")
	if cfg.Remote.BaseURL != "" {
		client := remote.New(cfg.Remote.BaseURL, cfg.Remote.TenantID)
		if cfg.Remote.Timeout.Duration > 0 {
			client.Timeout = cfg.Remote.Timeout.Duration
		}
		client.Token = rt.Sessions.Token
		rt.Remote = client
		rt.Sessions.Backend = client
		e.Remote = client
		e.Images = client
		e.Probe = client
	} else {
		e.Probe = offline{}
		rt.Log.Info("remote.base_url not set; submissions will be queued")
	}
	if cfg.Images.Sink == "gcs" {
		gcs, err := objectstore.NewGCS(ctx, cfg.Images.GCS)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, gcs)
		e.Images = gcs
	}
	rt.Engine = e
	return nil
}

func (rt *Runtime) queuePersister() (syncqueue.Persister, error) {
	qc := rt.Config.Queue
	switch qc.Backend {
	case "", "sqlite":
		return repo.SyncQueue{DB: rt.DB}, nil
	case "memory":
		return syncqueue.NewMemoryPersister(), nil
	case "file":
		path := qc.File
		if path == "" {
			path = filepath.Join(db.Dir(rt.Workspace), "sync_queue.json")
		}
		return syncqueue.NewFilePersister(path), nil
	case "redis":
		if qc.Redis.Addr == "" {
			return nil, fmt.Errorf("queue.redis.addr is required for the redis backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		rt.closers = append(rt.closers, client)
		return syncqueue.NewRedisPersister(client, qc.Redis.Key), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
}

// Close writes queue changes the backend has not accepted yet and releases
// everything Open acquired, newest first.
func (rt *Runtime) Close() error {
	if rt.Queue != nil {
		if err := rt.Queue.Sync(context.Background()); err != nil && rt.Log != nil {
			rt.Log.WithError(err).Warn("final queue save failed")
		}
	}
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

// offline reports the backend unreachable when no base URL is configured.
type offline struct{}

func (offline) Ping(context.Context) bool { return false }

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
