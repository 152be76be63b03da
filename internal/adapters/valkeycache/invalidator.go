package valkeycache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	KeyPrefix         = "keyring:apikey:"
	InvalidateChannel = "keyring:apikey:invalidate"

	defaultTimeout = 3 * time.Second
)

type Config struct {
	Addr     string
	Username string
	Password string
	TLS      bool
}

// NewClient opens a valkey client. Client-side caching stays off: the
// invalidator only issues writes.
func NewClient(cfg Config) (valkey.Client, error) {
	opts := valkey.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableCache: true,
	}
	if cfg.TLS {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		opts.TLSConfig = &tls.Config{ServerName: host}
	}
	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Invalidator drops the cached lookup entry of a secret hash and announces the
// hash on InvalidateChannel so node-local caches can follow.
type Invalidator struct {
	client  valkey.Client
	timeout time.Duration
}

func NewInvalidator(client valkey.Client) *Invalidator {
	return &Invalidator{client: client, timeout: defaultTimeout}
}

func (i *Invalidator) Invalidate(ctx context.Context, secretHash string) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmds := valkey.Commands{
		i.client.B().Del().Key(KeyPrefix + secretHash).Build(),
		i.client.B().Publish().Channel(InvalidateChannel).Message(secretHash).Build(),
	}
	for _, res := range i.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("invalidate api key cache: %w", err)
		}
	}
	return nil
}

// Nop is used when no cache is configured.
type Nop struct{}

func (Nop) Invalidate(context.Context, string) error { return nil }
