package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config holds admission gate limits
type Config struct {
	RateLimit          int           // requests per window per user per feature
	RateWindow         time.Duration // sliding window length
	LockTTL            time.Duration // in-flight lock expiry, bounds abandonment lockout
	InflightRetryAfter time.Duration // retry-after hint when a job is already running
}

// Result is the admission decision for one request.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// store is the slice of Redis the gate needs, narrowed so tests can drive the
// Allow sequencing with a fake.
type store interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	WindowCount(ctx context.Context, key string, windowStart time.Time) (int64, time.Time, error)
	RecordRequest(ctx context.Context, key string, at time.Time, ttl time.Duration) error
}

// Gate performs the two admission checks before a job row is created: a
// sliding-window rate limit and a single-in-flight lock. Both live in Redis
// so every api and worker process sees the same state.
type Gate struct {
	store  store
	cfg    Config
	logger *slog.Logger
}

// NewGate creates a new admission gate backed by Redis
func NewGate(rdb *redis.Client, cfg Config, logger *slog.Logger) *Gate {
	return newGate(&redisStore{rdb: rdb}, cfg, logger)
}

func newGate(st store, cfg Config, logger *slog.Logger) *Gate {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.InflightRetryAfter <= 0 {
		cfg.InflightRetryAfter = 5 * time.Second
	}
	return &Gate{store: st, cfg: cfg, logger: logger}
}

// Allow runs both checks. The in-flight lock is taken optimistically first; a
// rate-limit denial gives it straight back so the user is not locked out of
// their next allowed attempt.
func (g *Gate) Allow(ctx context.Context, userID, feature string) (Result, error) {
	locked, err := g.store.AcquireLock(ctx, lockKey(feature, userID), g.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	if !locked {
		g.logger.Info("Admission denied - job already in flight",
			slog.String("user_id", userID),
			slog.String("feature", feature),
		)
		return Result{Allowed: false, RetryAfter: g.cfg.InflightRetryAfter}, nil
	}

	allowed, retryAfter, err := g.checkRateLimit(ctx, userID, feature)
	if err != nil {
		// Admission state is unknown; release the lock so the user can retry.
		g.release(ctx, userID, feature)
		return Result{}, err
	}
	if !allowed {
		g.release(ctx, userID, feature)
		g.logger.Info("Admission denied - rate limit exceeded",
			slog.String("user_id", userID),
			slog.String("feature", feature),
			slog.Duration("retry_after", retryAfter),
		)
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Result{Allowed: true}, nil
}

// Release drops the in-flight lock. It must be called on every terminal path
// (completed, failed, publish failure) and is safe to call more than once.
func (g *Gate) Release(ctx context.Context, userID, feature string) error {
	return g.store.ReleaseLock(ctx, lockKey(feature, userID))
}

func (g *Gate) release(ctx context.Context, userID, feature string) {
	if err := g.Release(ctx, userID, feature); err != nil {
		g.logger.Error("Failed to release admission lock",
			slog.String("user_id", userID),
			slog.String("feature", feature),
			slog.String("error", err.Error()),
		)
	}
}

// checkRateLimit counts the user's requests still inside the window and
// records this one when it fits.
func (g *Gate) checkRateLimit(ctx context.Context, userID, feature string) (bool, time.Duration, error) {
	key := windowKey(feature, userID)
	now := time.Now()

	count, oldest, err := g.store.WindowCount(ctx, key, now.Add(-g.cfg.RateWindow))
	if err != nil {
		return false, 0, err
	}
	if count >= int64(g.cfg.RateLimit) {
		return false, retryAfterFrom(oldest, now, g.cfg.RateWindow), nil
	}

	if err := g.store.RecordRequest(ctx, key, now, g.cfg.RateWindow); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// redisStore implements the gate's command set on a real Redis client. The
// window is a per-user sorted set keyed by request timestamp.
type redisStore struct {
	rdb *redis.Client
}

func (s *redisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	locked, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("admission: acquire lock: %w", err)
	}
	return locked, nil
}

func (s *redisStore) ReleaseLock(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("admission: release lock: %w", err)
	}
	return nil
}

func (s *redisStore) WindowCount(ctx context.Context, key string, windowStart time.Time) (int64, time.Time, error) {
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("admission: rate limit check: %w", err)
	}

	var oldest time.Time
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = time.UnixMilli(int64(entries[0].Score))
	}
	return countCmd.Val(), oldest, nil
}

func (s *redisStore) RecordRequest(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.New().String()})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admission: record request: %w", err)
	}
	return nil
}

func lockKey(feature, userID string) string {
	return "tryon:lock:" + feature + ":" + userID
}

func windowKey(feature, userID string) string {
	return "tryon:rl:" + feature + ":" + userID
}

// retryAfterFrom computes when the oldest in-window request slides out.
// Always at least one second so a Retry-After header never reads zero.
func retryAfterFrom(oldest, now time.Time, window time.Duration) time.Duration {
	if oldest.IsZero() {
		return window
	}
	remaining := oldest.Add(window).Sub(now)
	if remaining < time.Second {
		return time.Second
	}
	return remaining.Round(time.Second)
}
