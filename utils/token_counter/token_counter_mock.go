package token_counter

import (
	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/stretchr/testify/mock"
)

// MockTokenCounter is a mock implementation of TokenCounterInterface for testing.
type MockTokenCounter struct {
	mock.Mock
}

var _ TokenCounterInterface = (*MockTokenCounter)(nil)

func NewMockTokenCounter() *MockTokenCounter {
	return &MockTokenCounter{}
}

func (m *MockTokenCounter) CountRequestTokens(req clients.Request) int {
	args := m.Called(req)
	return args.Int(0)
}

func (m *MockTokenCounter) EstimateChatMessageTokens(msg clients.Message) int {
	args := m.Called(msg)
	return args.Int(0)
}

func (m *MockTokenCounter) CountTextTokens(text string) int {
	args := m.Called(text)
	return args.Int(0)
}
