package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

func newMockTube(t *testing.T) (*Tube, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	tube, err := NewTubeWithPool(mock, "", "input")
	require.NoError(t, err)
	tube.pollInterval = 5 * time.Millisecond
	return tube, mock
}

func TestNewTubeWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTubeWithPool(mock, "tasks; drop table x", "input")
	require.Error(t, err)
	_, err = NewTubeWithPool(mock, "tasks", "")
	require.Error(t, err)
	_, err = NewTubeWithPool(nil, "tasks", "input")
	require.Error(t, err)
}

func TestPutInsertsRow(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	tube.ids = fixedID("0190d5a0-0000-7000-8000-000000000001")

	mock.ExpectExec("INSERT INTO queue_tasks").
		WithArgs("0190d5a0-0000-7000-8000-000000000001", "input", 7,
			[]byte(`{"recheck":true,"url":"http://a.example"}`), float64(90)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := tube.Put(context.Background(),
		map[string]any{"url": "http://a.example", "recheck": true},
		queue.PutOptions{Priority: 7, Delay: 90 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "0190d5a0-0000-7000-8000-000000000001", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutWrapsBackendError(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectExec("INSERT INTO queue_tasks").
		WithArgs(pgxmock.AnyArg(), "input", 0, []byte(`{}`), float64(0)).
		WillReturnError(errors.New("connection refused"))

	_, err := tube.Put(context.Background(), nil, queue.PutOptions{})
	require.Error(t, err)
	require.True(t, queue.IsBackendError(err))
}

func TestTakeLeasesRow(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectQuery("UPDATE queue_tasks SET status = 'taken'").
		WithArgs("input", float64(300)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "priority", "payload", "attempts"}).
			AddRow("task-1", 3, []byte(`{"url":"http://a.example","url_id":42}`), 1))

	task, err := tube.Take(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, "input", task.Tube)
	require.Equal(t, 3, task.Priority)
	require.Equal(t, "http://a.example", task.Data["url"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeTimesOutWithNoRows(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 20; i++ {
		mock.ExpectQuery("UPDATE queue_tasks SET status = 'taken'").
			WithArgs("input", float64(300)).
			WillReturnError(pgx.ErrNoRows)
	}

	task, err := tube.Take(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestTakeWrapsBackendError(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectQuery("UPDATE queue_tasks SET status = 'taken'").
		WithArgs("input", float64(300)).
		WillReturnError(errors.New("server closed the connection"))

	task, err := tube.Take(context.Background(), time.Second)
	require.Nil(t, task)
	require.True(t, queue.IsBackendError(err))
}

func TestTakeReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	tube.lease = 90 * time.Second
	mock.ExpectQuery(`OR \(status = 'taken' AND taken_at < now\(\) - make_interval\(secs => \$2\)\)`).
		WithArgs("input", float64(90)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "priority", "payload", "attempts"}).
			AddRow("task-1", 0, []byte(`{"url":"http://a.example"}`), 2))
	mock.ExpectExec(`DELETE FROM queue_tasks WHERE id = \$1 AND status = 'taken' AND attempts = \$2`).
		WithArgs("task-1", 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	task, err := tube.Take(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, task.Ack(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleLeaseCannotFinish(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectQuery("UPDATE queue_tasks SET status = 'taken'").
		WithArgs("input", float64(300)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "priority", "payload", "attempts"}).
			AddRow("task-1", 0, []byte(`{}`), 1))
	// Another taker reclaimed the row, so attempts is now 2.
	mock.ExpectExec(`DELETE FROM queue_tasks WHERE id = \$1 AND status = 'taken' AND attempts = \$2`).
		WithArgs("task-1", 1).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`UPDATE queue_tasks SET status = 'buried' WHERE id = \$1 AND status = 'taken' AND attempts = \$2`).
		WithArgs("task-1", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	task, err := tube.Take(context.Background(), time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, task.Ack(context.Background()), queue.ErrTaskNotTaken)
	require.ErrorIs(t, task.Bury(context.Background()), queue.ErrTaskNotTaken)
	require.False(t, task.Finished())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckAndBury(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectExec("DELETE FROM queue_tasks").
		WithArgs("task-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE queue_tasks SET status = 'buried'").
		WithArgs("task-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM queue_tasks").
		WithArgs("task-3").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ctx := context.Background()
	require.NoError(t, queue.NewTask("task-1", "input", nil, 0, tube).Ack(ctx))
	require.NoError(t, queue.NewTask("task-2", "input", nil, 0, tube).Bury(ctx))
	err := queue.NewTask("task-3", "input", nil, 0, tube).Ack(ctx)
	require.ErrorIs(t, err, queue.ErrTaskNotTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	tube, mock := newMockTube(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_tasks").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, tube.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
