package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/jobserver/internal/backoff"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/platform"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func terminalJob(state domain.State, out *domain.Output) *domain.Job {
	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:      uuid.New(),
		Kind:    "sweep",
		Owner:   domain.Owner{Type: "guild", ID: "123"},
		State:   state,
		Output:  out,
		EndedAt: &ended,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	msgs     []Message
	failures int
	calls    int
}

func (s *recordingSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) snapshot() ([]Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...), s.calls
}

type capturePublisher struct {
	routingKey  string
	body        []byte
	contentType string
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, body []byte, contentType string) error {
	p.routingKey, p.body, p.contentType = routingKey, body, contentType
	return nil
}

func TestFromJob(t *testing.T) {
	tests := []struct {
		name     string
		job      *domain.Job
		wantCode string
		contains string
	}{
		{
			name:     "completed with result",
			job:      terminalJob(domain.StateCompleted, domain.Success(json.RawMessage(`{ "removed": 42 }`))),
			contains: `{"removed":42}`,
		},
		{
			name:     "failed",
			job:      terminalJob(domain.StateFailed, domain.Failure(domain.CodeUnknownKind, "no handler for kind sweep")),
			wantCode: domain.CodeUnknownKind,
			contains: "no handler for kind sweep",
		},
		{
			name:     "artifact",
			job:      terminalJob(domain.StateCompleted, &domain.Output{Artifact: &domain.ArtifactRef{Filename: "output.json", Size: 9000}}),
			contains: "output.json (9000 bytes)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FromJob(tt.job)
			assert.Equal(t, tt.job.ID, msg.JobID)
			assert.Equal(t, "guild/123", msg.Owner)
			assert.Equal(t, tt.job.State, msg.State)
			assert.Equal(t, tt.wantCode, msg.ErrorCode)
			assert.Contains(t, msg.Summary, tt.contains)
			assert.Equal(t, *tt.job.EndedAt, msg.EndedAt)
		})
	}
}

func TestFromJob_TruncatesSummary(t *testing.T) {
	long := strings.Repeat("é", 5000)
	msg := FromJob(terminalJob(domain.StateFailed, domain.Failure(domain.CodeExecutionError, long)))

	assert.Equal(t, platform.MaxMessageLength, utf8.RuneCountInString(msg.Summary))
	assert.True(t, strings.HasSuffix(msg.Summary, "..."))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestCodecs(t *testing.T) {
	msg := FromJob(terminalJob(domain.StateCancelled, domain.Failure(domain.CodeCancelled, "cancelled by user")))

	for _, name := range []string{CodecJSON, CodecMsgpack} {
		t.Run(name, func(t *testing.T) {
			codec, err := GetCodec(name)
			require.NoError(t, err)

			data, err := codec.Encode(msg)
			require.NoError(t, err)
			got, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, msg.JobID, got.JobID)
			assert.Equal(t, msg.State, got.State)
			assert.Equal(t, msg.Summary, got.Summary)
			assert.True(t, msg.EndedAt.Equal(got.EndedAt))
		})
	}

	_, err := GetCodec("xml")
	assert.Error(t, err)
}

func TestAMQPSink(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewAMQPSink(pub, MsgpackCodec{})
	msg := FromJob(terminalJob(domain.StateFailed, domain.Failure(domain.CodePanic, "boom")))

	require.NoError(t, sink.Send(context.Background(), msg))
	assert.Equal(t, "job.failed", pub.routingKey)
	assert.Equal(t, "application/msgpack", pub.contentType)

	got, err := MsgpackCodec{}.Decode(pub.body)
	require.NoError(t, err)
	assert.Equal(t, domain.CodePanic, got.ErrorCode)
}

func TestPlatformSink(t *testing.T) {
	client := platform.NewMemory(discardLogger())
	sink := NewPlatformSink(client, nil)
	msg := FromJob(terminalJob(domain.StateCompleted, domain.Success(json.RawMessage(`{"removed":42}`))))

	require.NoError(t, sink.Send(context.Background(), msg))
	assert.Equal(t, []string{msg.Summary}, client.Messages("guild/123"))
}

func TestNotifier_DeliversAndRetries(t *testing.T) {
	ok := &recordingSink{}
	flaky := &recordingSink{failures: 2}
	n := New(Config{
		Logger:      discardLogger(),
		MaxAttempts: 3,
		Backoff:     backoff.Constant{Interval: time.Millisecond},
	}, ok, flaky)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	n.Notify(terminalJob(domain.StateCompleted, domain.Success(json.RawMessage(`{}`))))
	n.Notify(&domain.Job{ID: uuid.New(), State: domain.StateRunning})

	require.Eventually(t, func() bool {
		msgs, _ := flaky.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	msgs, _ := ok.snapshot()
	assert.Len(t, msgs, 1, "non-terminal jobs are not notified")
	_, calls := flaky.snapshot()
	assert.Equal(t, 3, calls)
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	broken := &recordingSink{failures: 100}
	n := New(Config{
		Logger:      discardLogger(),
		MaxAttempts: 2,
		Backoff:     backoff.Constant{Interval: time.Millisecond},
	}, broken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	n.Notify(terminalJob(domain.StateFailed, domain.Failure(domain.CodeExecutionError, "x")))
	require.Eventually(t, func() bool {
		_, calls := broken.snapshot()
		return calls == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	_, calls := broken.snapshot()
	assert.Equal(t, 2, calls)

	// stopped notifier drops silently
	n.Notify(terminalJob(domain.StateFailed, nil))
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	n := New(Config{Logger: discardLogger(), QueueSize: 1}, sink)

	n.Notify(terminalJob(domain.StateCompleted, nil))
	n.Notify(terminalJob(domain.StateCompleted, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	msgs, _ := sink.snapshot()
	assert.Len(t, msgs, 1)
}
