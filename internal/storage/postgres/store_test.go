//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/cuongbtq/jobserver/shared/postgresql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var guild = domain.Owner{Type: "guild", ID: "123"}

// setupTestStore starts a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("jobs_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "jobs_test",
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnectAttempts: 3,
		ConnectInterval: time.Second,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.HealthCheck(ctx))

	store := NewStore(client.GetDB(), slog.Default())
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")
	return store
}

func createJob(t *testing.T, s *Store, kind string, expiry time.Duration) *domain.Job {
	t.Helper()
	job := domain.NewJob(kind, json.RawMessage(`{"guild":"123"}`), guild, expiry, time.Now().UTC())
	require.NoError(t, s.Create(context.Background(), job))
	time.Sleep(2 * time.Millisecond)
	return job
}

func claimReq(worker string, lease time.Duration) storage.ClaimRequest {
	return storage.ClaimRequest{WorkerID: worker, Lease: lease, MaxAttempts: 3}
}

func TestStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, "sweep", 0)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, guild, got.Owner)

	claimed, err := s.TryClaim(ctx, claimReq("w1", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	running, err := s.Start(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.True(t, running.StartedAt.After(running.CreatedAt))

	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 2, Stage: "scanning"}, []domain.Status{
		{Seq: 1, Level: domain.LevelInfo, Message: "listing members"},
		{Seq: 2, Level: domain.LevelInfo, Stage: "scanning", Message: "page 1"},
	}))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 1, Stage: "stale"}, []domain.Status{{Seq: 1, Message: "stale"}}))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 3, Stage: "scanning"}, []domain.Status{
		{Seq: 2, Message: "duplicate"},
		{Seq: 3, Level: domain.LevelWarn, Message: "rate limited", Fields: map[string]any{"retry_after": "2s"}},
	}))
	assert.ErrorIs(t, s.UpdateProgress(ctx, job.ID, "w2", domain.Progress{Seq: 5}, nil), domain.ErrLeaseLost)

	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "scanning", got.Progress.Stage)
	assert.Equal(t, int64(3), got.Progress.Seq)
	require.Len(t, got.Statuses, 3)
	assert.Equal(t, "listing members", got.Statuses[0].Message)
	assert.Equal(t, "page 1", got.Statuses[1].Message)
	assert.Equal(t, domain.LevelWarn, got.Statuses[2].Level)
	assert.Equal(t, "2s", got.Statuses[2].Fields["retry_after"])

	lease, err := s.Heartbeat(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.False(t, lease.CancelRequested)

	done, err := s.Transition(ctx, storage.Transition{
		ID:       job.ID,
		To:       domain.StateCompleted,
		Output:   domain.Success(json.RawMessage(`{"removed":42}`)),
		WorkerID: "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.JSONEq(t, `{"removed":42}`, string(done.Output.Result))
	assert.True(t, done.EndedAt.After(*done.StartedAt))

	_, err = s.Transition(ctx, storage.Transition{ID: job.ID, To: domain.StateFailed, Output: domain.Failure("x", "y")})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Transition(ctx, storage.Transition{ID: job.ID, To: domain.StateFailed, WorkerID: "w1"})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	deleted, err := s.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, deleted.ID)

	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const jobs = 40
	for i := 0; i < jobs; i++ {
		createJob(t, s, "sweep", 0)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		worker := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.TryClaim(ctx, claimReq(worker, time.Minute))
				if err != nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
}

func TestStore_CancelAndReclaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pending := createJob(t, s, "sweep", 0)
	cancelled, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.True(t, cancelled.CancelRequested)

	again, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, again.State)

	_, err = s.RequestCancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	crashed := createJob(t, s, "sweep", 0)
	_, err = s.TryClaim(ctx, claimReq("w1", 500*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Start(ctx, crashed.ID, "w1", 500*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(time.Second)
	reclaimed, err := s.ReclaimExpired(ctx, 3)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, domain.StatePending, reclaimed[0].State)
	assert.Empty(t, reclaimed[0].WorkerID)

	again2, err := s.TryClaim(ctx, claimReq("w2", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, crashed.ID, again2.ID)
	assert.Equal(t, 2, again2.Attempts)
}

func TestStore_CancelOverdueAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	overdue := createJob(t, s, "backup", 200*time.Millisecond)
	createJob(t, s, "sweep", 0)
	time.Sleep(400 * time.Millisecond)

	_, err := s.TryClaim(ctx, storage.ClaimRequest{WorkerID: "w1", Lease: time.Minute, MaxAttempts: 3, ExcludeKinds: []string{"sweep"}})
	assert.ErrorIs(t, err, domain.ErrNoJob, "overdue jobs are not claimable")

	cancelled, err := s.CancelOverdue(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, overdue.ID, cancelled[0].ID)
	assert.Equal(t, domain.CodeDeadlineExceeded, cancelled[0].Output.Error.Code)

	page, err := s.List(ctx, storage.JobFilter{Owner: &guild, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sweep", page[0].Kind)

	next, err := s.List(ctx, storage.JobFilter{
		Owner:    &guild,
		PageSize: 1,
		Cursor:   &storage.JobCursor{CreatedAt: page[0].CreatedAt, JobID: page[0].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, overdue.ID, next[0].ID)

	pruned, err := s.PruneTerminal(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, overdue.ID, pruned[0].ID)
}
