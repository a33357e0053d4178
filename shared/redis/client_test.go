package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := NewClient(context.Background(), &Config{URL: "redis://" + mr.Addr() + "/0", PoolSize: 4}, logger)
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.HealthCheck(context.Background()))
	require.NoError(t, c.GetClient().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_BadURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewClient(context.Background(), &Config{URL: "http://nope"}, logger)
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewClient(context.Background(), &Config{URL: "redis://" + addr}, logger)
	assert.Error(t, err)
}
