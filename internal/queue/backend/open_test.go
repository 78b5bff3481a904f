package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/redirect-resolver/internal/config"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
	"github.com/JakeFAU/redirect-resolver/internal/queue/memory"
)

func TestOpenMemory(t *testing.T) {
	t.Parallel()

	tube, err := Open(context.Background(), config.QueueConfig{Backend: config.BackendMemory}, "url_check")
	require.NoError(t, err)
	mem, ok := tube.(*memory.Tube)
	require.True(t, ok)
	require.Equal(t, "url_check", mem.Name())

	_, err = tube.Put(context.Background(), map[string]any{"url": "http://a.example"}, queue.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, tube.Close())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.QueueConfig{Backend: "beanstalk"}, "x")
	require.Error(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.QueueConfig{Backend: config.BackendPostgres}, "x")
	require.ErrorContains(t, err, "queue.dsn is required")
}

func TestOpenOutputDefaultsToQueue(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Queue:   config.QueueConfig{Backend: config.BackendMemory},
		Checker: config.CheckerConfig{OutputTube: "verdicts", OutputSink: config.SinkQueue},
	}
	tube, err := OpenOutput(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "verdicts", tube.(*memory.Tube).Name())
}
