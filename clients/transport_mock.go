package clients

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockTransport struct {
	mock.Mock
	key string
}

// Ensure MockTransport implements Transport
var _ Transport = (*MockTransport)(nil)

func NewMockTransport(key string) *MockTransport {
	return &MockTransport{key: key}
}

func (m *MockTransport) Execute(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

func (m *MockTransport) Key() string {
	return m.key
}
