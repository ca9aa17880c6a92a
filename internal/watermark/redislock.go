package watermark

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RunLock gives per-dataset mutual exclusion across concurrent schedulers.
// Two ingesters racing on one dataset could both pass the watermark filter
// and publish conflicting partitions; the lock serializes them.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewRunLock creates a Redis-backed run lock
func NewRunLock(redisURL string, ttl time.Duration, logger *zap.Logger) (*RunLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	logger.Info("Run lock initialized", zap.Duration("ttl", ttl))
	return &RunLock{
		client: client,
		ttl:    ttl,
		logger: logger,
		tokens: make(map[string]string),
	}, nil
}

// Acquire attempts to take the dataset's lock. Returns false when another
// run holds it. The TTL bounds how long a crashed run can block others.
func (l *RunLock) Acquire(ctx context.Context, dataset string) (bool, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, lockKey(dataset), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire failed: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[dataset] = token
		l.mu.Unlock()
		l.logger.Debug("Run lock acquired", zap.String("dataset", dataset))
	}
	return ok, nil
}

// releaseScript deletes the key only when it still holds our token, so an
// expired lock taken over by another run is never released from here.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Release frees the lock taken by Acquire.
func (l *RunLock) Release(ctx context.Context, dataset string) error {
	l.mu.Lock()
	token, ok := l.tokens[dataset]
	delete(l.tokens, dataset)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{lockKey(dataset)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	l.logger.Debug("Run lock released", zap.String("dataset", dataset))
	return nil
}

// Close closes the Redis connection
func (l *RunLock) Close() error {
	return l.client.Close()
}

func lockKey(dataset string) string {
	return "ingest:lock:" + dataset
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
