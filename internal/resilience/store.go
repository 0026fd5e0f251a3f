package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/internal/config"
	"github.com/spec-kit/ticket-engine/internal/observability"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// Kind tags an operation as a read or a write.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Source names where a result came from.
type Source string

const (
	SourceStore      Source = "store"
	SourceCache      Source = "cache"
	SourceStaleCache Source = "stale_cache"
	SourceDefault    Source = "default"
)

// Result is the outcome of Execute. Degraded is set when the value was
// not read from the authoritative store and may be out of date.
type Result[T any] struct {
	Value    T
	Source   Source
	Degraded bool
	Attempts int
	StoredAt time.Time
}

// Fallback is the chain consulted when a read exhausts its retries.
// Writes ignore it.
type Fallback[T any] struct {
	Cache   bool
	Default func() T
}

// Operation is one persistence call. Name and Args form the cache key.
type Operation[T any] struct {
	Name string
	Args []any
	Run  func(ctx context.Context) (T, error)
}

// Config holds the retry and cache settings of a Store.
type Config struct {
	ReadPolicy    RetryPolicy
	WritePolicy   RetryPolicy
	CacheTTL      time.Duration
	CacheCapacity int
}

// DefaultConfig returns 3 read attempts, 2 write attempts and a five
// minute cache.
func DefaultConfig() Config {
	return Config{
		ReadPolicy:    DefaultReadPolicy(),
		WritePolicy:   DefaultWritePolicy(),
		CacheTTL:      5 * time.Minute,
		CacheCapacity: 1024,
	}
}

// ConfigFrom maps environment configuration onto store settings.
func ConfigFrom(cfg config.ResilienceConfig) Config {
	policy := func(attempts int) RetryPolicy {
		return RetryPolicy{
			MaxAttempts: attempts,
			BaseDelay:   cfg.BaseDelay,
			Multiplier:  cfg.Multiplier,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      cfg.Jitter,
		}
	}
	return Config{
		ReadPolicy:    policy(cfg.ReadAttempts),
		WritePolicy:   policy(cfg.WriteAttempts),
		CacheTTL:      cfg.CacheTTL,
		CacheCapacity: cfg.CacheCapacity,
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for cache timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) { s.metrics = metrics }
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(s *Store) { s.random = random }
}

// WithClassifier replaces the error classifier.
func WithClassifier(classify func(error) Classification) Option {
	return func(s *Store) { s.classify = classify }
}

// Store wraps persistence calls with retries and a read fallback cache.
// It is safe for concurrent use.
type Store struct {
	cfg      Config
	cache    *Cache
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	random   func() float64
	classify func(error) Classification
}

// NewStore builds a Store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		random:   rand.Float64,
		classify: Classify,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "resilient_store"))
	s.cache = NewCache(cfg.CacheCapacity, cfg.CacheTTL, s.clock)
	return s
}

// Forget drops the cached snapshot of a read.
func (s *Store) Forget(name string, args ...any) {
	s.cache.Delete(Fingerprint(name, args...))
}

func (s *Store) policy(kind Kind) RetryPolicy {
	if kind == Write {
		return s.cfg.WritePolicy
	}
	return s.cfg.ReadPolicy
}

// Execute runs op with the retry policy for kind. Non-retryable errors
// are returned untouched after the first attempt. A read that runs out
// of attempts walks the fallback chain: fresh cache, stale cache, then
// the default. Anything else ends in a StorageUnavailable error.
func Execute[T any](ctx context.Context, s *Store, op Operation[T], kind Kind, fallback Fallback[T]) (Result[T], error) {
	policy := s.policy(kind)
	key := Fingerprint(op.Name, op.Args...)

	var (
		value    T
		attempts int
		lastErr  error
	)
	err := retry.Do(ctx, policy.backoff(s.random), func(ctx context.Context) error {
		attempts++
		v, err := op.Run(ctx)
		if err == nil {
			value = v
			return nil
		}
		lastErr = err
		if s.classify(err) != Retryable {
			s.metrics.RecordStoreAttempt(kind.String(), "non_retryable")
			return err
		}
		s.metrics.RecordStoreAttempt(kind.String(), "transient")
		s.logger.Warn("transient store error",
			zap.String("operation", op.Name),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", policy.attempts()),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})

	if err == nil {
		s.metrics.RecordStoreAttempt(kind.String(), "success")
		if kind == Read {
			s.cache.Put(key, value)
		}
		return Result[T]{Value: value, Source: SourceStore, Attempts: attempts, StoredAt: s.clock.Now()}, nil
	}

	if lastErr != nil && errors.Is(err, lastErr) && s.classify(lastErr) != Retryable {
		return Result[T]{Attempts: attempts}, err
	}
	if lastErr == nil {
		lastErr = err
	}

	if kind == Read {
		if res, ok := readFallback(s, key, op.Name, fallback); ok {
			res.Attempts = attempts
			return res, nil
		}
	}

	s.metrics.RecordStoreAttempt(kind.String(), "exhausted")
	s.logger.Error("store operation exhausted",
		zap.String("operation", op.Name),
		zap.String("kind", kind.String()),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return Result[T]{Attempts: attempts}, util.NewStorageUnavailable(op.Name, attempts, lastErr)
}

func readFallback[T any](s *Store, key, name string, fallback Fallback[T]) (Result[T], bool) {
	if fallback.Cache {
		if entry, fresh, ok := s.cache.Get(key); ok {
			if v, typed := entry.Value.(T); typed {
				res := Result[T]{Value: v, Source: SourceCache, Degraded: true, StoredAt: entry.StoredAt}
				if !fresh {
					res.Source = SourceStaleCache
				}
				s.metrics.RecordFallback(string(res.Source))
				s.logger.Warn("serving cached read",
					zap.String("operation", name),
					zap.String("source", string(res.Source)),
					zap.Bool("degraded", res.Degraded),
					zap.Time("stored_at", entry.StoredAt),
				)
				return res, true
			}
		}
	}
	if fallback.Default != nil {
		s.metrics.RecordFallback(string(SourceDefault))
		s.logger.Warn("serving default read", zap.String("operation", name))
		return Result[T]{Value: fallback.Default(), Source: SourceDefault, Degraded: true}, true
	}
	return Result[T]{}, false
}

// Do runs a write that returns no value.
func Do(ctx context.Context, s *Store, name string, run func(ctx context.Context) error, args ...any) error {
	_, err := Execute(ctx, s, Operation[struct{}]{
		Name: name,
		Args: args,
		Run: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, run(ctx)
		},
	}, Write, Fallback[struct{}]{})
	return err
}
