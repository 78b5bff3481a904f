package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockTube is a mock implementation of the Tube interface for testing.
type MockTube struct {
	mock.Mock
}

// Put is the mock implementation of the Put method.
func (m *MockTube) Put(ctx context.Context, data map[string]any, opts PutOptions) (string, error) {
	args := m.Called(ctx, data, opts)
	return args.String(0), args.Error(1)
}

// Take is the mock implementation of the Take method.
func (m *MockTube) Take(ctx context.Context, timeout time.Duration) (*Task, error) {
	args := m.Called(ctx, timeout)
	task, _ := args.Get(0).(*Task)
	return task, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockTube) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockLessor is a mock implementation of the Lessor interface for testing.
type MockLessor struct {
	mock.Mock
}

// Ack is the mock implementation of the Ack method.
func (m *MockLessor) Ack(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Bury is the mock implementation of the Bury method.
func (m *MockLessor) Bury(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
