package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/jobserver/internal/api/dto"
	"github.com/cuongbtq/jobserver/internal/api/handler"
	"github.com/cuongbtq/jobserver/internal/api/router"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/service"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/cuongbtq/jobserver/internal/storage/memory"
)

type env struct {
	url   string
	store *memory.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	reg := registry.New()
	reg.Register("echo", registry.Func(func(context.Context, json.RawMessage, progress.Reporter, progress.Cancellation) (any, error) {
		return nil, nil
	}))
	reg.Freeze()

	svc, err := service.New(service.Config{Logger: logger, Store: store, Registry: reg})
	require.NoError(t, err)

	srv := httptest.NewServer(router.SetupRouter(&handler.Dependencies{
		Logger:  logger,
		Service: svc,
		Watch:   service.WatchOptions{Interval: 10 * time.Millisecond, IdleTimeout: 2 * time.Second},
	}, router.Options{ServiceName: "test"}))
	t.Cleanup(srv.Close)

	return &env{url: srv.URL, store: store}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"jobctl", "--url", e.url, "--as", "guild/1"}, args...)
	err := app(&out).Run(context.Background(), full)
	return out.String(), err
}

func TestMain(m *testing.M) {
	// cli.Exit errors would otherwise terminate the test binary
	cli.OsExiter = func(int) {}
	os.Exit(m.Run())
}

func TestSubmitStatusCancelDelete(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "submit", "--kind", "echo", "--input", `{"a":1}`)
	require.NoError(t, err)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "pending", job.State)
	assert.Equal(t, "guild/1", job.Owner)

	out, err = e.run(t, "status", job.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, job.JobID)

	out, err = e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, job.JobID+"\techo\tguild/1\tpending")

	out, err = e.run(t, "cancel", job.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "cancelled"`)

	out, err = e.run(t, "delete", job.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+job.JobID)

	_, err = e.run(t, "status", job.JobID)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestListAll(t *testing.T) {
	e := newEnv(t)
	for range 3 {
		_, err := e.run(t, "submit", "--kind", "echo")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	out, err := e.run(t, "list", "--page-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "next cursor:")

	out, err = e.run(t, "list", "--page-size", "2", "--all")
	require.NoError(t, err)
	assert.NotContains(t, out, "next cursor:")
	assert.Equal(t, 3, bytes.Count([]byte(out), []byte("\techo\t")))
}

func TestWatch_PrintsResult(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "submit", "--kind", "echo")
	require.NoError(t, err)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal([]byte(out), &job))

	id := uuid.MustParse(job.JobID)
	ctx := context.Background()
	_, err = e.store.TryClaim(ctx, storage.ClaimRequest{WorkerID: "w1", Lease: time.Minute, MaxAttempts: 3})
	require.NoError(t, err)
	_, err = e.store.Start(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateProgress(ctx, id, "w1", domain.Progress{Seq: 2, Percent: 100}, []domain.Status{
		{Seq: 1, Level: domain.LevelInfo, Message: "listing members"},
		{Seq: 2, Level: domain.LevelWarn, Message: "skipped 1 protected member"},
	}))
	_, err = e.store.Transition(ctx, storage.Transition{ID: id, To: domain.StateCompleted, Output: domain.Success(json.RawMessage(`{"removed":3}`)), WorkerID: "w1"})
	require.NoError(t, err)

	out, err = e.run(t, "watch", job.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "state: completed")
	assert.Contains(t, out, "warn: skipped 1 protected member")
	assert.NotContains(t, out, "listing members")
	assert.Contains(t, out, `result: {"removed":3}`)
}

func TestWatch_FailsOnCancelledJob(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "submit", "--kind", "echo")
	require.NoError(t, err)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal([]byte(out), &job))

	_, err = e.run(t, "cancel", job.JobID)
	require.NoError(t, err)

	_, err = e.run(t, "watch", job.JobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestSubmit_InputFromFile(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"guild":"g1"}`), 0o600))

	out, err := e.run(t, "submit", "--kind", "echo", "--input", "@"+path)
	require.NoError(t, err)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.JSONEq(t, `{"guild":"g1"}`, string(job.Input))

	_, err = e.run(t, "submit", "--kind", "echo", "--input", "{nope")
	require.Error(t, err)
}

func TestStatus_RequiresJobID(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job id argument is required")
}
