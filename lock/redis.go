package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// REDIS LOCKER - redsync mutex per order
// =============================================================================

// RedisOptions tune acquisition. Tries * RetryDelay bounds the wait.
type RedisOptions struct {
	Prefix     string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     "ledger:order:",
		Expiry:     10 * time.Second,
		Tries:      20,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Redis serializes orders across processes.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *zap.Logger
}

var _ ledger.OrderLocker = (*Redis)(nil)

// NewRedis builds a locker on top of client. A nil logger logs nothing.
func NewRedis(client goredislib.UniversalClient, opts RedisOptions, logger *zap.Logger) *Redis {
	defaults := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = defaults.Prefix
	}
	if opts.Expiry <= 0 {
		opts.Expiry = defaults.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = defaults.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

func (r *Redis) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	key := r.opts.Prefix + orderID
	mutex := r.rs.NewMutex(
		key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if isContention(err) {
			r.logger.Debug("order lock busy", zap.String("order_id", orderID))
			return ledger.ErrOrderBusy
		}
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	defer func() {
		// the lock may have expired under a slow fn; the CAS on save still protects the write
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			r.logger.Warn("failed to release order lock",
				zap.String("order_id", orderID), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// isContention reports whether redsync gave up because another holder owns
// the lock. Anything else is a real failure.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}
