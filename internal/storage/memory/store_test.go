package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var guild = domain.Owner{Type: "guild", ID: "123"}

func newTestStore(t *testing.T) (*Store, *Clock) {
	t.Helper()
	clock := NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return New(WithClock(clock.Now)), clock
}

func createJob(t *testing.T, s *Store, clock *Clock, kind string, expiry time.Duration) *domain.Job {
	t.Helper()
	job := domain.NewJob(kind, json.RawMessage(`{"guild":"123"}`), guild, expiry, clock.Now())
	require.NoError(t, s.Create(context.Background(), job))
	clock.Advance(time.Millisecond)
	return job
}

func claimReq(worker string) storage.ClaimRequest {
	return storage.ClaimRequest{WorkerID: worker, Lease: 30 * time.Second, MaxAttempts: 3}
}

func TestStore_CreateGet(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, clock, "sweep", 0)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.JSONEq(t, `{"guild":"123"}`, string(got.Input))

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Error(t, s.Create(ctx, job), "duplicate id")
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, clock := newTestStore(t)
	job := createJob(t, s, clock, "sweep", 0)

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	got.State = domain.StateCompleted

	again, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, again.State)
}

func TestStore_TryClaimFIFO(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first := createJob(t, s, clock, "sweep", 0)
	second := createJob(t, s, clock, "sweep", 0)

	got, err := s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, domain.StateClaimed, got.State)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LeaseUntil)

	got, err = s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.TryClaim(ctx, claimReq("w1"))
	assert.ErrorIs(t, err, domain.ErrNoJob)
}

func TestStore_TryClaimExcludesKindsAndExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, clock, "backup", 0)
	expired := createJob(t, s, clock, "sweep", time.Millisecond)
	clock.Advance(time.Second)

	req := claimReq("w1")
	req.ExcludeKinds = []string{"backup"}
	_, err := s.TryClaim(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNoJob)

	got, err := s.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		createJob(t, s, clock, "sweep", 0)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		worker := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.TryClaim(ctx, claimReq(worker))
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

func TestStore_ExpiredClaimIsReclaimable(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, clock, "sweep", 0)
	_, err := s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)

	_, err = s.TryClaim(ctx, claimReq("w2"))
	assert.ErrorIs(t, err, domain.ErrNoJob, "lease still live")

	clock.Advance(31 * time.Second)
	got, err := s.TryClaim(ctx, claimReq("w2"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "w2", got.WorkerID)
	assert.Equal(t, 2, got.Attempts)

	_, err = s.Heartbeat(ctx, job.ID, "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestStore_StartHeartbeatProgress(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, clock, "sweep", 0)
	_, err := s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)

	_, err = s.Start(ctx, job.ID, "w2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	running, err := s.Start(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, running.State)
	require.NotNil(t, running.StartedAt)
	assert.True(t, running.StartedAt.After(running.CreatedAt))

	clock.Advance(10 * time.Second)
	lease, err := s.Heartbeat(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), lease.Until)
	assert.False(t, lease.CancelRequested)

	lines := []domain.Status{{Seq: 1, Level: domain.LevelInfo, Message: "listing members", Fields: map[string]any{"page": 1}}}
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 2, Stage: "scanning"}, lines))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 1, Stage: "stale"}, []domain.Status{{Seq: 1, Message: "stale"}}))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Seq: 2, Stage: "duplicate"}, nil))
	lines[0].Fields["page"] = 9

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Progress)
	assert.Equal(t, int64(2), got.Progress.Seq)
	assert.Equal(t, "scanning", got.Progress.Stage)
	require.Len(t, got.Statuses, 1)
	assert.Equal(t, "listing members", got.Statuses[0].Message)
	assert.Equal(t, 1, got.Statuses[0].Fields["page"], "stored log does not share the caller's maps")

	err = s.UpdateProgress(ctx, job.ID, "w2", domain.Progress{Seq: 3}, nil)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestStore_Transition(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, clock, "sweep", 0)

	_, err := s.Transition(ctx, storage.Transition{ID: job.ID, To: domain.StateCompleted, Output: domain.Success(nil)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending cannot complete")

	_, err = s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)
	_, err = s.Start(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)

	_, err = s.Transition(ctx, storage.Transition{ID: job.ID, To: domain.StateCompleted, WorkerID: "w2"})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	done, err := s.Transition(ctx, storage.Transition{
		ID:       job.ID,
		To:       domain.StateCompleted,
		Output:   domain.Success(json.RawMessage(`{"removed":42}`)),
		WorkerID: "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.JSONEq(t, `{"removed":42}`, string(done.Output.Result))
	require.NotNil(t, done.EndedAt)
	assert.True(t, done.EndedAt.After(*done.StartedAt))
	assert.Nil(t, done.LeaseUntil)

	for _, to := range domain.AllStates {
		_, err := s.Transition(ctx, storage.Transition{ID: job.ID, To: to, Output: domain.Failure("x", "y")})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "completed -> %s", to)
	}

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":42}`, string(got.Output.Result), "output written once")

	_, err = s.Transition(ctx, storage.Transition{ID: uuid.New(), To: domain.StateFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_RequestCancel(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	pending := createJob(t, s, clock, "sweep", 0)
	running := createJob(t, s, clock, "sweep", 0)

	_, err := s.RequestCancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Nil(t, got.StartedAt)
	require.NotNil(t, got.Output.Error)
	assert.Equal(t, domain.CodeCancelled, got.Output.Error.Code)

	again, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err, "idempotent on terminal jobs")
	assert.Equal(t, got.EndedAt, again.EndedAt)

	claimed, err := s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)
	require.Equal(t, running.ID, claimed.ID)
	_, err = s.Start(ctx, running.ID, "w1", time.Minute)
	require.NoError(t, err)

	got, err = s.RequestCancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.True(t, got.CancelRequested)

	lease, err := s.Heartbeat(ctx, running.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, lease.CancelRequested)
}

func TestStore_ReclaimExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, clock, "sweep", 0)
	req := claimReq("w1")
	req.MaxAttempts = 2

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := s.TryClaim(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, attempt, claimed.Attempts)
		_, err = s.Start(ctx, job.ID, "w1", time.Second)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		reclaimed, err := s.ReclaimExpired(ctx, req.MaxAttempts)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)

		if attempt < 2 {
			assert.Equal(t, domain.StatePending, reclaimed[0].State)
			assert.Empty(t, reclaimed[0].WorkerID)
		} else {
			assert.Equal(t, domain.StateFailed, reclaimed[0].State)
			assert.Equal(t, domain.CodeLeaseExpired, reclaimed[0].Output.Error.Code)
		}
	}

	reclaimed, err := s.ReclaimExpired(ctx, req.MaxAttempts)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestStore_CancelOverdue(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	userCancelled := createJob(t, s, clock, "sweep", time.Second)
	running := createJob(t, s, clock, "sweep", 2*time.Second)
	createJob(t, s, clock, "sweep", 0)

	_, err := s.RequestCancel(ctx, userCancelled.ID)
	require.NoError(t, err)

	claimed, err := s.TryClaim(ctx, claimReq("w1"))
	require.NoError(t, err)
	require.Equal(t, running.ID, claimed.ID)
	_, err = s.Start(ctx, running.ID, "w1", time.Minute)
	require.NoError(t, err)

	pending2 := createJob(t, s, clock, "sweep", time.Second)

	clock.Advance(3 * time.Second)
	cancelled, err := s.CancelOverdue(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, cancelled, 1, "running job is within its grace period")
	assert.Equal(t, pending2.ID, cancelled[0].ID)
	assert.Equal(t, domain.CodeDeadlineExceeded, cancelled[0].Output.Error.Code)

	clock.Advance(5 * time.Second)
	cancelled, err = s.CancelOverdue(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, running.ID, cancelled[0].ID)
	assert.Equal(t, domain.StateCancelled, cancelled[0].State)
}

func TestStore_ListPagination(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	other := domain.Owner{Type: "guild", ID: "999"}
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, createJob(t, s, clock, "sweep", 0).ID)
	}
	require.NoError(t, s.Create(ctx, domain.NewJob("backup", nil, other, 0, clock.Now())))

	page, err := s.List(ctx, storage.JobFilter{Owner: &guild, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals another page")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	next, err := s.List(ctx, storage.JobFilter{
		Owner:    &guild,
		PageSize: 2,
		Cursor:   &storage.JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)

	byKind, err := s.List(ctx, storage.JobFilter{Kind: "backup", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, other, byKind[0].Owner)

	byState, err := s.List(ctx, storage.JobFilter{State: domain.StateRunning, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, byState)
}

func TestStore_DeleteAndPrune(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	live := createJob(t, s, clock, "sweep", 0)
	_, err := s.Delete(ctx, live.ID)
	assert.ErrorIs(t, err, domain.ErrNotTerminal)

	_, err = s.Delete(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	old := createJob(t, s, clock, "sweep", 0)
	_, err = s.RequestCancel(ctx, old.ID)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	recent := createJob(t, s, clock, "sweep", 0)
	_, err = s.RequestCancel(ctx, recent.ID)
	require.NoError(t, err)

	pruned, err := s.PruneTerminal(ctx, clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, old.ID, pruned[0].ID)

	deleted, err := s.Delete(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, recent.ID, deleted.ID)

	_, err = s.Get(ctx, recent.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
}
