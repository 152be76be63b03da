package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/adapters/events"
	"github.com/atvirokodosprendimai/keyring/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/keyring/internal/adapters/metrics"
	sqliteadapter "github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyring/internal/adapters/valkeycache"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
	"github.com/atvirokodosprendimai/keyring/internal/core/secrets"
	"github.com/atvirokodosprendimai/keyring/internal/core/usecase"
	"github.com/atvirokodosprendimai/keyring/migrations"
)

type Config struct {
	Addr             string
	DBPath           string
	EncryptionSecret string
	SessionSecret    string

	// Valkey is optional; without an address invalidation is a no-op.
	ValkeyAddr     string
	ValkeyUsername string
	ValkeyPassword string
	ValkeyTLS      bool

	// ActivityWebhookURL enables signed webhook delivery of activity events.
	// Without it events go to the log.
	ActivityWebhookURL    string
	ActivityWebhookSecret string

	ValidateRatePerMinute int
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenDB opens the database and applies pending migrations.
func OpenDB(ctx context.Context, path string, log zerolog.Logger) (*gormsqlite.DB, error) {
	db, err := gormsqlite.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	version, err := migrations.Apply(ctx, writeSQLDB, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Int64("schema_version", version).Str("path", path).Msg("database ready")
	return db, nil
}

func NewServer(ctx context.Context, cfg Config, log zerolog.Logger) (*http.Server, io.Closer, error) {
	if cfg.SessionSecret == "" {
		return nil, nil, fmt.Errorf("session secret is required")
	}
	codec, err := secrets.New(secrets.Config{EncryptionSecret: cfg.EncryptionSecret})
	if err != nil {
		return nil, nil, fmt.Errorf("init secret codec: %w", err)
	}

	db, err := OpenDB(ctx, cfg.DBPath, log)
	if err != nil {
		return nil, nil, err
	}
	closers := []io.Closer{db}
	fail := func(err error) (*http.Server, io.Closer, error) {
		_ = resourceCloser{closers: closers}.Close()
		return nil, nil, err
	}

	m := metrics.New()

	var cache ports.CacheInvalidator = valkeycache.Nop{}
	if cfg.ValkeyAddr != "" {
		client, err := valkeycache.NewClient(valkeycache.Config{
			Addr:     cfg.ValkeyAddr,
			Username: cfg.ValkeyUsername,
			Password: cfg.ValkeyPassword,
			TLS:      cfg.ValkeyTLS,
		})
		if err != nil {
			return fail(err)
		}
		closers = append([]io.Closer{closerFunc(func() error { client.Close(); return nil })}, closers...)
		cache = m.Invalidator(valkeycache.NewInvalidator(client))
	}

	var publisher ports.ActivityPublisher = events.NewLogPublisher(log)
	if cfg.ActivityWebhookURL != "" {
		publisher = events.NewWebhookPublisher(cfg.ActivityWebhookURL, cfg.ActivityWebhookSecret, 0)
	}

	apiKeyRepo := sqliteadapter.NewAPIKeyRepository(db)
	membershipRepo := sqliteadapter.NewMembershipRepository(db)
	outboxRepo := sqliteadapter.NewActivityOutboxRepository(db)

	keys := usecase.NewLifecycleService(usecase.LifecycleDeps{
		Repo:     apiKeyRepo,
		Members:  membershipRepo,
		Codec:    codec,
		Cache:    cache,
		Activity: outboxRepo,
		Logger:   log,
	})
	validator := usecase.NewValidator(apiKeyRepo, m, log)

	dispatcher := usecase.NewActivityDispatcher(outboxRepo, publisher, log, 2*time.Second, 100)
	m.RegisterActivityDispatcher(dispatcher)
	dispatcher.Start(context.Background())

	// Close order: dispatcher, pending invalidations, cache client, database.
	closers = append([]io.Closer{dispatcher, keys}, closers...)

	handler := httpapi.NewHandler(httpapi.Options{
		Keys:            keys,
		Validator:       validator,
		Sessions:        httpapi.NewSessions(cfg.SessionSecret),
		Metrics:         m.Handler(),
		Logger:          log,
		VerifyPerMinute: cfg.ValidateRatePerMinute,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, resourceCloser{closers: closers}, nil
}
