package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "jobserver"

// Channel returns the pub/sub channel carrying snapshots of jobID.
func Channel(prefix string, jobID uuid.UUID) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return fmt.Sprintf("%s:progress:%s", prefix, jobID)
}

// RedisBroadcaster publishes snapshots on a redis channel so subscribers in
// other processes can follow a job.
type RedisBroadcaster struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisBroadcaster(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{
		rdb:     rdb,
		prefix:  prefix,
		timeout: 500 * time.Millisecond,
		logger:  logger,
	}
}

// Publish is best effort. Failures are logged and dropped.
func (b *RedisBroadcaster) Publish(ctx context.Context, jobID uuid.UUID, p domain.Progress) {
	payload, err := json.Marshal(p)
	if err != nil {
		b.logger.Warn("Failed to encode progress", slog.String("job_id", jobID.String()), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, Channel(b.prefix, jobID), payload).Err(); err != nil {
		b.logger.Warn("Failed to publish progress",
			slog.String("job_id", jobID.String()),
			slog.Int64("seq", p.Seq),
			slog.Any("error", err),
		)
	}
}

// RedisFeed follows snapshots published by RedisBroadcaster. Watchers of
// the same job share one redis subscription and receive snapshots through a
// Hub.
type RedisFeed struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	hub    *Hub

	mu   sync.Mutex
	subs map[uuid.UUID]*sharedSub
}

type sharedSub struct {
	ps   *redis.PubSub
	refs int
}

func NewRedisFeed(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
		hub:    NewHub(16),
		subs:   make(map[uuid.UUID]*sharedSub),
	}
}

func (f *RedisFeed) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan domain.Progress, func(), error) {
	out, leave, _ := f.hub.Subscribe(ctx, jobID)

	if err := f.acquire(ctx, jobID); err != nil {
		leave()
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			leave()
			f.release(jobID)
		})
	}
	return out, cancel, nil
}

func (f *RedisFeed) acquire(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[jobID]; ok {
		sub.refs++
		return nil
	}

	// The subscription outlives the watcher that opened it.
	ps := f.rdb.Subscribe(context.WithoutCancel(ctx), Channel(f.prefix, jobID))

	// Wait for the subscription to be confirmed so no snapshot published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to progress of %s: %w", jobID, err)
	}

	f.subs[jobID] = &sharedSub{ps: ps, refs: 1}
	go f.pump(jobID, ps)
	return nil
}

func (f *RedisFeed) release(jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[jobID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	delete(f.subs, jobID)
	_ = sub.ps.Close()
}

// pump forwards messages of one redis subscription to the hub until the
// subscription is closed.
func (f *RedisFeed) pump(jobID uuid.UUID, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var p domain.Progress
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			f.logger.Warn("Dropping malformed progress message",
				slog.String("channel", msg.Channel),
				slog.Any("error", err),
			)
			continue
		}
		f.hub.Publish(context.Background(), jobID, p)
	}
}
