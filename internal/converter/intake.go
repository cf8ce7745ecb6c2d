package converter

import (
	"context"
	"sync"

	"AgriPool/internal/model"

	"github.com/google/uuid"
)

// Intake is the downstream financing-application endpoint. Implementations
// must treat PoolID as an idempotency key: resubmitting the same pool returns
// the application id issued the first time.
type Intake interface {
	Submit(ctx context.Context, req model.ApplicationRequest) (string, error)
	Name() string
}

// MockIntake issues application ids in memory, for development and tests.
type MockIntake struct {
	mu      sync.Mutex
	issued  map[string]string
	submits int
	// Fail, when set, is returned instead of issuing an id.
	Fail error
}

func NewMockIntake() *MockIntake {
	return &MockIntake{issued: make(map[string]string)}
}

func (m *MockIntake) Name() string { return "mock" }

func (m *MockIntake) Submit(_ context.Context, req model.ApplicationRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submits++
	if m.Fail != nil {
		return "", m.Fail
	}
	if id, ok := m.issued[req.PoolID]; ok {
		return id, nil
	}
	id := "APP-" + uuid.NewString()
	m.issued[req.PoolID] = id
	return id, nil
}

// Submits returns how many times Submit was called.
func (m *MockIntake) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// Issued returns how many distinct application ids were created.
func (m *MockIntake) Issued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

// SetFail swaps the injected failure.
func (m *MockIntake) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}
