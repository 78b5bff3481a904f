package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/redirect-resolver/internal/queue"
	"github.com/JakeFAU/redirect-resolver/internal/queue/memory"
)

// gateNotifier blocks every delivery until released and tracks concurrency.
type gateNotifier struct {
	release chan struct{}
	started chan struct{}

	mu     sync.Mutex
	active int
	peak   int
	seen   map[string]int
	fail   bool
}

func newGateNotifier() *gateNotifier {
	return &gateNotifier{
		release: make(chan struct{}),
		started: make(chan struct{}, 100),
		seen:    map[string]int{},
	}
}

func (g *gateNotifier) Notify(_ context.Context, _ string, body []byte) (int, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.seen[payload["id"].(string)]++
	g.mu.Unlock()
	g.started <- struct{}{}

	<-g.release

	g.mu.Lock()
	g.active--
	fail := g.fail
	g.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset")
	}
	return http.StatusOK, nil
}

func testConfig(pool int) Config {
	return Config{PoolSize: pool, Sleep: 2 * time.Millisecond, SleepOnFail: 10 * time.Millisecond, CallbackTimeout: time.Second}
}

func putTasks(t *testing.T, tube *memory.Tube, n int, data map[string]any) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tube.Put(context.Background(), data, queue.PutOptions{})
		require.NoError(t, err)
	}
}

// settle waits for all units to finish and drains their completions.
func settle(t *testing.T, p *Pusher) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.Drain(context.Background())
		return p.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIterateNeverLeasesBeyondFreeSlots(t *testing.T) {
	t.Parallel()

	tube := memory.NewTube("notifications")
	putTasks(t, tube, 10, map[string]any{CallbackKey: "http://cb.example/hook"})
	gate := newGateNotifier()
	p, err := New(tube, gate, testConfig(3), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Iterate(ctx))
	for i := 0; i < 3; i++ {
		<-gate.started
	}
	require.Equal(t, 3, p.InFlight())

	// A full pool leases nothing more, even though work is ready.
	require.NoError(t, p.Iterate(ctx))
	ready, taken, _ := tube.Stats()
	require.Equal(t, 7, ready)
	require.Equal(t, 3, taken)

	close(gate.release)
	for {
		settle(t, p)
		ready, taken, _ := tube.Stats()
		if ready == 0 && taken == 0 {
			break
		}
		require.NoError(t, p.Iterate(ctx))
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	require.LessOrEqual(t, gate.peak, 3)
	require.Len(t, gate.seen, 10)
	for id, n := range gate.seen {
		require.Equal(t, 1, n, "task %s delivered more than once", id)
	}
}

func TestDeliveryOutcomes(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["id"])
		require.Equal(t, float64(42), body["url_id"])
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name       string
		data       map[string]any
		wantBuried int
	}{
		{"any response acks", map[string]any{CallbackKey: srv.URL, "url_id": 42}, 0},
		{"transport error buries", map[string]any{CallbackKey: closedURL, "url_id": 42}, 1},
		{"missing callback buries", map[string]any{"url_id": 42}, 1},
		{"non-string callback buries", map[string]any{CallbackKey: 7}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tube := memory.NewTube("notifications")
			putTasks(t, tube, 1, tt.data)
			p, err := New(tube, NewHTTPNotifier(time.Second), testConfig(2), zaptest.NewLogger(t))
			require.NoError(t, err)

			require.NoError(t, p.Iterate(context.Background()))
			settle(t, p)

			ready, taken, buried := tube.Stats()
			require.Zero(t, ready)
			require.Zero(t, taken)
			require.Equal(t, tt.wantBuried, buried)
		})
	}
	require.EqualValues(t, 1, hits.Load())
}

type panicNotifier struct{}

func (panicNotifier) Notify(context.Context, string, []byte) (int, error) {
	panic("boom")
}

func TestDeliveryPanicBuries(t *testing.T) {
	t.Parallel()

	tube := memory.NewTube("notifications")
	putTasks(t, tube, 1, map[string]any{CallbackKey: "http://cb.example/hook"})
	p, err := New(tube, panicNotifier{}, testConfig(1), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, p.Iterate(context.Background()))
	settle(t, p)
	_, _, buried := tube.Stats()
	require.Equal(t, 1, buried)
}

func TestDrainSwallowsBackendErrors(t *testing.T) {
	t.Parallel()

	lessor := &queue.MockLessor{}
	lessor.On("Ack", mock.Anything, "t-1").Return(&queue.BackendError{Op: "ack", Err: errors.New("connection lost")})
	lessor.On("Ack", mock.Anything, "t-2").Return(queue.ErrTaskNotTaken)

	tube := &queue.MockTube{}
	tube.On("Take", mock.Anything, mock.Anything).
		Return(queue.NewTask("t-1", "n", map[string]any{CallbackKey: "http://cb.example/"}, 0, lessor), nil).Once()
	tube.On("Take", mock.Anything, mock.Anything).
		Return(queue.NewTask("t-2", "n", map[string]any{CallbackKey: "http://cb.example/"}, 0, lessor), nil).Once()
	tube.On("Take", mock.Anything, mock.Anything).Return(nil, nil)

	gate := newGateNotifier()
	close(gate.release)
	p, err := New(tube, gate, testConfig(4), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, p.Iterate(context.Background()))
	settle(t, p)
	lessor.AssertExpectations(t)
}

func TestIterateReportsTakeFailure(t *testing.T) {
	t.Parallel()

	tube := &queue.MockTube{}
	tube.On("Take", mock.Anything, mock.Anything).Return(nil, &queue.BackendError{Op: "take", Err: errors.New("down")})
	p, err := New(tube, newGateNotifier(), testConfig(2), zaptest.NewLogger(t))
	require.NoError(t, err)

	err = p.Iterate(context.Background())
	require.Error(t, err)
	require.True(t, queue.IsBackendError(err))
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	t.Parallel()

	var takes atomic.Int32
	tube := &queue.MockTube{}
	tube.On("Take", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { takes.Add(1) }).
		Return(nil, errors.New("boom"))
	cfg := testConfig(1)
	cfg.SleepOnFail = time.Hour
	p, err := New(tube, newGateNotifier(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return takes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, takes.Load(), "the loop must sleep after a failed iteration")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunFinishesInFlightOnShutdown(t *testing.T) {
	t.Parallel()

	tube := memory.NewTube("notifications")
	putTasks(t, tube, 2, map[string]any{CallbackKey: "http://cb.example/hook"})
	gate := newGateNotifier()
	p, err := New(tube, gate, testConfig(2), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-gate.started
	<-gate.started
	cancel()
	close(gate.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	ready, taken, buried := tube.Stats()
	require.Equal(t, [3]int{0, 0, 0}, [3]int{ready, taken, buried})
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, newGateNotifier(), testConfig(1), nil)
	require.Error(t, err)
	_, err = New(memory.NewTube("n"), newGateNotifier(), Config{}, nil)
	require.Error(t, err)
}
