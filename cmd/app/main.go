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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/keyring/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/keyring/internal/app"
	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "keyring",
		Usage: "API key issuance and validation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./keyring.sqlite",
				Sources: cli.EnvVars("KEYRING_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("KEYRING_LOG_LEVEL"),
				Usage:   "Log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("parse log level: %w", err)
			}
			log = log.Level(level)
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(&log),
			membersCommand(&log),
			keysCommand(&log),
			sessionCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("keyring exited")
	}
}

func serveCommand(log *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("KEYRING_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.StringFlag{
				Name:     "encryption-secret",
				Sources:  cli.EnvVars("KEYRING_ENCRYPTION_SECRET"),
				Usage:    "Secret the key-encryption key is derived from (at least 16 bytes)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "session-secret",
				Sources:  cli.EnvVars("KEYRING_SESSION_SECRET"),
				Usage:    "HS256 secret of the session service tokens",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "valkey-addr",
				Sources: cli.EnvVars("KEYRING_VALKEY_ADDR"),
				Usage:   "Valkey host:port for cache invalidation (disabled when empty)",
			},
			&cli.StringFlag{
				Name:    "valkey-username",
				Sources: cli.EnvVars("KEYRING_VALKEY_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "valkey-password",
				Sources: cli.EnvVars("KEYRING_VALKEY_PASSWORD"),
			},
			&cli.BoolFlag{
				Name:    "valkey-tls",
				Sources: cli.EnvVars("KEYRING_VALKEY_TLS"),
			},
			&cli.StringFlag{
				Name:    "activity-webhook-url",
				Sources: cli.EnvVars("KEYRING_ACTIVITY_WEBHOOK_URL"),
				Usage:   "Activity event webhook target URL (events are logged when empty)",
			},
			&cli.StringFlag{
				Name:    "activity-webhook-secret",
				Sources: cli.EnvVars("KEYRING_ACTIVITY_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.IntFlag{
				Name:    "validate-rate-per-minute",
				Value:   600,
				Sources: cli.EnvVars("KEYRING_VALIDATE_RATE_PER_MINUTE"),
				Usage:   "Per-IP request limit on the verify endpoint (0 disables)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := app.Config{
				Addr:                  c.String("addr"),
				DBPath:                c.String("db-path"),
				EncryptionSecret:      c.String("encryption-secret"),
				SessionSecret:         c.String("session-secret"),
				ValkeyAddr:            c.String("valkey-addr"),
				ValkeyUsername:        c.String("valkey-username"),
				ValkeyPassword:        c.String("valkey-password"),
				ValkeyTLS:             c.Bool("valkey-tls"),
				ActivityWebhookURL:    c.String("activity-webhook-url"),
				ActivityWebhookSecret: c.String("activity-webhook-secret"),
				ValidateRatePerMinute: int(c.Int("validate-rate-per-minute")),
			}

			server, closer, err := app.NewServer(ctx, cfg, *log)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.Error().Err(closeErr).Msg("close resources")
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("listening")
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

// membersCommand seeds the membership directory, which the organization
// service owns in production.
func membersCommand(log *zerolog.Logger) *cli.Command {
	withRepo := func(ctx context.Context, c *cli.Command, fn func(*sqliteadapter.MembershipRepository) error) error {
		db, err := app.OpenDB(ctx, c.String("db-path"), *log)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(sqliteadapter.NewMembershipRepository(db))
	}
	membershipFlags := func(extra ...cli.Flag) []cli.Flag {
		return append([]cli.Flag{
			&cli.StringFlag{Name: "org", Required: true, Usage: "Organization id"},
			&cli.StringFlag{Name: "user", Required: true, Usage: "User id"},
		}, extra...)
	}

	return &cli.Command{
		Name:  "members",
		Usage: "Manage organization memberships",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add or update a membership",
				Flags: membershipFlags(
					&cli.StringFlag{Name: "role", Value: string(domain.RoleMember), Usage: "member, admin or owner"},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withRepo(ctx, c, func(repo *sqliteadapter.MembershipRepository) error {
						return repo.Upsert(ctx, domain.Membership{
							OrganizationID: c.String("org"),
							UserID:         c.String("user"),
							Role:           domain.Role(c.String("role")),
						})
					})
				},
			},
			{
				Name:  "remove",
				Usage: "Remove a membership",
				Flags: membershipFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withRepo(ctx, c, func(repo *sqliteadapter.MembershipRepository) error {
						return repo.Remove(ctx, c.String("org"), c.String("user"))
					})
				},
			},
		},
	}
}

// keysCommand is the administrative read path; unlike the API it also
// resolves soft-deleted keys.
func keysCommand(log *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Inspect API keys",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show a key by id, including deleted keys",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "API key id"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					db, err := app.OpenDB(ctx, c.String("db-path"), *log)
					if err != nil {
						return err
					}
					defer db.Close()

					key, err := sqliteadapter.NewAPIKeyRepository(db).GetByIDUnscoped(ctx, c.String("id"))
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(keySummary(key.Redacted()))
				},
			},
		},
	}
}

func keySummary(key domain.APIKey) map[string]any {
	out := map[string]any{
		"id":              key.ID,
		"organization_id": key.OrganizationID,
		"user_id":         key.UserID,
		"name":            key.Name,
		"display_prefix":  key.DisplayPrefix,
		"enabled":         key.Enabled,
		"rate_limit":      key.RateLimit,
		"remaining":       key.Bucket.Remaining,
		"request_count":   key.RequestCount,
		"last_request_at": key.LastRequestAt,
		"expires_at":      key.ExpiresAt,
		"created_at":      key.CreatedAt,
		"updated_at":      key.UpdatedAt,
	}
	if at, deleted := key.Lifecycle.DeletedAt(); deleted {
		out["deleted_at"] = at
	}
	return out
}

// sessionCommand mints a session token for local testing against the API.
func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Issue a development session token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session-secret", Sources: cli.EnvVars("KEYRING_SESSION_SECRET"), Required: true},
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "org", Required: true},
			&cli.StringFlag{Name: "role", Value: string(domain.RoleMember)},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			token, err := httpapi.NewSessions(c.String("session-secret")).Issue(domain.Actor{
				ID:                   c.String("user"),
				ActiveOrganizationID: c.String("org"),
				Role:                 domain.Role(c.String("role")),
			}, c.Duration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, token)
			return err
		},
	}
}
