package retention

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cancelledJob(t *testing.T, store *memory.Store, clock *memory.Clock) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job := domain.NewJob("sweep", json.RawMessage(`{}`), domain.Owner{Type: "guild", ID: "1"}, 0, clock.Now())
	require.NoError(t, store.Create(ctx, job))
	_, err := store.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))
	local, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	var old []*domain.Job
	for i := 0; i < 5; i++ {
		job := cancelledJob(t, store, clock)
		_, err := local.Put(ctx, artifact.Key(job.ID, "output.json"), strings.NewReader("{}"))
		require.NoError(t, err)
		old = append(old, job)
	}
	pending := domain.NewJob("sweep", nil, domain.Owner{Type: "guild", ID: "1"}, 0, clock.Now())
	require.NoError(t, store.Create(ctx, pending))

	clock.Advance(8 * 24 * time.Hour)
	fresh := cancelledJob(t, store, clock)

	p, err := New(Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Artifacts: local,
		Now:       clock.Now,
		MaxAge:    7 * 24 * time.Hour,
		BatchSize: 2,
	})
	require.NoError(t, err)

	n, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, job := range old {
		_, err := store.Get(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = local.Open(ctx, artifact.Key(job.ID, "output.json"))
		assert.ErrorIs(t, err, artifact.ErrNotFound)
	}
	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err, "recent terminal jobs are kept")
	_, err = store.Get(ctx, pending.ID)
	assert.NoError(t, err, "non-terminal jobs are never pruned")

	n, err = p.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{Store: memory.New(), Schedule: "every tuesday"})
	assert.ErrorContains(t, err, "invalid schedule")

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestRun_PrunesOnSchedule(t *testing.T) {
	clock := memory.NewClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))
	job := cancelledJob(t, store, clock)
	clock.Advance(time.Hour)

	p, err := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    store,
		Now:      clock.Now,
		Schedule: "@every 1s",
		MaxAge:   time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), job.ID)
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
