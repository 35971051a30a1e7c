package clients

import (
	"context"
	"time"
)

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleDeveloper MessageRole = "developer"
)

// Message is one turn of a chat request
type Message struct {
	Role    MessageRole `json:"role" yaml:"role"`
	Content string      `json:"content" yaml:"content"`
}

// Request is an ordered sequence of messages sent as a single completion call
type Request []Message

// Response is what a transport reports for one successful exchange
type Response struct {
	PromptTokens     int
	CompletionTokens int
	RequestBytes     int
	ResponseBytes    int
	Duration         time.Duration
}

// TotalTokens returns prompt plus completion tokens
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Transport performs one request/response exchange against a single configured provider.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Execute sends the request and returns token, byte and timing accounting.
	// Failures are returned as *TransportError.
	Execute(ctx context.Context, req Request) (*Response, error)
	// Key returns the provider identity key ("{name}:{base_url}")
	Key() string
}

// UserMessage is a shorthand for a single user turn
func UserMessage(content string) Message {
	return Message{Role: MessageRoleUser, Content: content}
}

// SystemMessage is a shorthand for a system turn
func SystemMessage(content string) Message {
	return Message{Role: MessageRoleSystem, Content: content}
}
