package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type loopRunner struct{ iterations *atomic.Int64 }

func (r loopRunner) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		r.iterations.Add(1)
		time.Sleep(time.Millisecond)
	}
	return nil
}

func TestLocalSpawnerStopCancelsWorker(t *testing.T) {
	t.Parallel()

	var iterations atomic.Int64
	s := NewLocalSpawner(context.Background(), func() (Runner, error) {
		return loopRunner{iterations: &iterations}, nil
	}, zaptest.NewLogger(t))

	h, err := s.Spawn(context.Background())
	require.NoError(t, err)
	require.Equal(t, "local-1", h.Name())
	require.Eventually(t, func() bool { return iterations.Load() > 0 }, time.Second, time.Millisecond)

	h.Stop()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Stop")
	}
	require.NoError(t, h.Kill())
}

func TestLocalSpawnerBuildError(t *testing.T) {
	t.Parallel()

	s := NewLocalSpawner(context.Background(), func() (Runner, error) {
		return nil, errors.New("no tube")
	}, nil)
	_, err := s.Spawn(context.Background())
	require.ErrorContains(t, err, "no tube")
}
