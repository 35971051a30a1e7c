package token_counter

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead is added per message for role markers and separators
const messageOverhead = 4

// tokenCounterImpl counts tokens with a tiktoken encoding
type tokenCounterImpl struct {
	encoder *tiktoken.Tiktoken
}

var encodingBase = "cl100k_base"

// NewTokenCounter creates a new TokenCounter instance
func NewTokenCounter() (*tokenCounterImpl, error) {
	// Use cl100k_base encoding (used by GPT-4, GPT-3.5-turbo, and text-embedding-ada-002)
	encoder, err := tiktoken.GetEncoding(encodingBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &tokenCounterImpl{
		encoder: encoder,
	}, nil
}

// CountRequestTokens estimates the prompt tokens of a whole request
func (tc *tokenCounterImpl) CountRequestTokens(req clients.Request) int {
	totalTokens := 0
	for _, msg := range req {
		totalTokens += tc.EstimateChatMessageTokens(msg)
	}
	return totalTokens
}

// EstimateChatMessageTokens estimates tokens for a single message using tiktoken
func (tc *tokenCounterImpl) EstimateChatMessageTokens(msg clients.Message) int {
	totalTokens := len(tc.encoder.Encode(string(msg.Role), nil, nil))
	totalTokens += len(tc.encoder.Encode(msg.Content, nil, nil))

	// Add overhead for message structure (based on OpenAI's token counting methodology)
	return totalTokens + messageOverhead
}

// CountTextTokens counts tokens in plain text using tiktoken
func (tc *tokenCounterImpl) CountTextTokens(text string) int {
	return len(tc.encoder.Encode(text, nil, nil))
}

// Estimator approximates token counts from character length (~4 chars per token).
// Used when the tiktoken encoding cannot be loaded.
type Estimator struct{}

var _ TokenCounterInterface = (*Estimator)(nil)

// NewEstimator creates a heuristic counter that needs no encoding files
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) CountRequestTokens(req clients.Request) int {
	totalTokens := 0
	for _, msg := range req {
		totalTokens += e.EstimateChatMessageTokens(msg)
	}
	return totalTokens
}

func (e *Estimator) EstimateChatMessageTokens(msg clients.Message) int {
	return e.CountTextTokens(string(msg.Role)) + e.CountTextTokens(msg.Content) + messageOverhead
}

func (e *Estimator) CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := utf8.RuneCountInString(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

var (
	defaultOnce    sync.Once
	defaultCounter TokenCounterInterface
)

// Default returns a shared tiktoken counter, falling back to the Estimator
// when the encoding cannot be loaded
func Default() TokenCounterInterface {
	defaultOnce.Do(func() {
		counter, err := NewTokenCounter()
		if err != nil {
			defaultCounter = NewEstimator()
			return
		}
		defaultCounter = counter
	})
	return defaultCounter
}
