// Package pgbus carries cluster messages over PostgreSQL LISTEN/NOTIFY.
package pgbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taogames/socketcast/cluster"
	"go.uber.org/zap"
)

// MaxPayloadSize is the largest payload NOTIFY accepts with the default
// server configuration.
const MaxPayloadSize = 7999

var ErrPayloadTooLarge = errors.New("pgbus: payload exceeds NOTIFY limit")

type Config struct {
	DSN      string
	MaxConns int
	MinConns int
}

// Bus publishes with pg_notify on a pooled connection and dedicates one
// connection per subscription to LISTEN.
type Bus struct {
	pool   *pgxpool.Pool
	owned  bool
	logger *zap.SugaredLogger
}

var _ cluster.Bus = (*Bus)(nil)

// New uses an existing pool, which the caller keeps ownership of.
func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		pool:   pool,
		logger: logger.With("Bus", "Postgres"),
	}
}

// Connect creates a pool for cfg and checks it is usable.
func Connect(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Bus, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b := New(pool, logger)
	b.owned = true
	return b, nil
}

// Close closes the pool if the bus created it.
func (b *Bus) Close() {
	if b.owned {
		b.pool.Close()
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), channel)
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (cluster.Subscription, error) {
	pooled, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	// The connection leaves the pool: it stays in LISTEN state until closed.
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	b.logger.Debugf("Listening on %s", channel)

	sub := &subscription{done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					sub.err = fmt.Errorf("wait for notification on %s: %w", channel, err)
				}
				return
			}
			handler([]byte(n.Payload))
		}
	}()

	return sub, nil
}

type subscription struct {
	done chan struct{}
	err  error
}

func (s *subscription) Wait() error {
	<-s.done
	return s.err
}
