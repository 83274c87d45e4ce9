// Package redisstore provides a lease.Locker on Redis. Leases are plain keys
// set with NX and a millisecond TTL; renew and release are Lua scripts that
// act only while the caller's token is still the stored value.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
)

// KEYS[1] = lease key, ARGV[1] = token, ARGV[2] = ttl in milliseconds.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements lease.Locker.
type Locker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ lease.Locker = (*Locker)(nil)

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix namespaces lease keys. The default is "once:lease:".
func WithPrefix(p string) Option {
	return func(l *Locker) { l.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Locker) { l.logger = lg.With("component", "redisstore") }
}

// New wraps a client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "once:lease:",
		logger: slog.Default().With("component", "redisstore"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient connects to a single Redis server.
func NewClient(addr, password string, db int) *Locker {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Ping checks connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	return classify("ping", "", l.client.Ping(ctx).Err())
}

// Close closes the client.
func (l *Locker) Close() error { return l.client.Close() }

func (l *Locker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (string, error) {
	const op = "acquire_lease"
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, ttl).Result()
	if err != nil {
		return "", classify(op, name, err)
	}
	if !ok {
		return "", faults.E(faults.ErrLockContention, op, name, nil)
	}
	l.logger.DebugContext(ctx, "lease acquired", "name", name, "holder", holder)
	return token, nil
}

func (l *Locker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	const op = "renew_lease"
	n, err := renewScript.Run(ctx, l.client, []string{l.prefix + name}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return classify(op, name, err)
	}
	if n == 0 {
		return faults.E(faults.ErrLeaseLost, op, name, nil)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, token).Int64()
	return classify("release_lease", name, err)
}

// classify marks connection-level failures transient.
func classify(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return faults.E(faults.ErrTransientStore, op, name, err)
	}
	return fmt.Errorf("redisstore: %s %s: %w", op, name, err)
}
