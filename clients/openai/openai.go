package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/tidwall/gjson"
)

// Transport sends chat completions to an OpenAI-compatible endpoint
type Transport struct {
	key    string
	apiKey string
	opts   clients.OpenAIOptions
	client sdk.Client
}

var _ clients.Transport = (*Transport)(nil)

// New creates a transport for an openai provider config. httpClient may be nil.
func New(cfg clients.ProviderConfig, httpClient *http.Client) *Transport {
	requestOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.ResolvedBaseURL() + "/v1/"),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		requestOpts = append(requestOpts, option.WithHTTPClient(httpClient))
	}

	opts := clients.DefaultOpenAIOptions()
	if cfg.OpenAI != nil {
		opts = cfg.OpenAI
	}

	return &Transport{
		key:    cfg.Key(),
		apiKey: cfg.APIKey,
		opts:   *opts,
		client: sdk.NewClient(requestOpts...),
	}
}

func (t *Transport) Key() string {
	return t.key
}

// Execute performs one chat completion and reports the usage and wire sizes
func (t *Transport) Execute(ctx context.Context, req clients.Request) (*clients.Response, error) {
	meter := &byteMeter{}
	start := time.Now()

	completion, err := t.client.Chat.Completions.New(ctx, t.params(req), option.WithMiddleware(meter.middleware))
	duration := time.Since(start)
	if err != nil {
		return nil, t.classify(err, meter)
	}

	raw := meter.responseBody()
	if !gjson.GetBytes(raw, "usage.prompt_tokens").Exists() || !gjson.GetBytes(raw, "usage.completion_tokens").Exists() {
		return nil, &clients.TransportError{
			Kind:        clients.KindMalformed,
			ProviderKey: t.key,
			StatusCode:  meter.status,
			Err:         errors.New("response has no usage"),
		}
	}

	return &clients.Response{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		RequestBytes:     meter.requestBytes + len(t.authHeaderLine()),
		ResponseBytes:    len(raw),
		Duration:         duration,
	}, nil
}

// params maps the request and provider options onto the SDK payload.
// Optional fields are only sent when configured.
func (t *Transport) params(req clients.Request) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Messages: toMessages(req),
	}
	if t.opts.Temperature != nil {
		params.Temperature = sdk.Float(*t.opts.Temperature)
	}
	if t.opts.Model != "" {
		params.Model = shared.ChatModel(t.opts.Model)
	}
	if t.opts.MaxTokens != nil {
		params.MaxTokens = sdk.Int(int64(*t.opts.MaxTokens))
	}
	if t.opts.TopP != nil {
		params.TopP = sdk.Float(*t.opts.TopP)
	}
	if t.opts.FrequencyPenalty != nil {
		params.FrequencyPenalty = sdk.Float(*t.opts.FrequencyPenalty)
	}
	if t.opts.PresencePenalty != nil {
		params.PresencePenalty = sdk.Float(*t.opts.PresencePenalty)
	}
	return params
}

func toMessages(req clients.Request) []sdk.ChatCompletionMessageParamUnion {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req))
	for _, msg := range req {
		switch msg.Role {
		case clients.MessageRoleSystem:
			messages = append(messages, sdk.SystemMessage(msg.Content))
		case clients.MessageRoleAssistant:
			messages = append(messages, sdk.AssistantMessage(msg.Content))
		case clients.MessageRoleDeveloper:
			messages = append(messages, sdk.DeveloperMessage(msg.Content))
		default:
			messages = append(messages, sdk.UserMessage(msg.Content))
		}
	}
	return messages
}

// classify converts an SDK failure into a TransportError
func (t *Transport) classify(err error, meter *byteMeter) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &clients.TransportError{
			Kind:        clients.KindStatus,
			ProviderKey: t.key,
			StatusCode:  apiErr.StatusCode,
			Err:         err,
		}
	}

	// A 2xx status with a decode failure means the payload was not a completion
	if meter.status >= 200 && meter.status < 300 {
		return &clients.TransportError{
			Kind:        clients.KindMalformed,
			ProviderKey: t.key,
			StatusCode:  meter.status,
			Err:         fmt.Errorf("decode completion: %w", err),
		}
	}

	return clients.ClassifyNetworkError(t.key, err)
}

func (t *Transport) authHeaderLine() string {
	return fmt.Sprintf("Authorization: Bearer %s\n", t.apiKey)
}

// byteMeter records the serialized request and response of a single call
type byteMeter struct {
	mu           sync.Mutex
	requestBytes int
	status       int
	body         bytes.Buffer
}

func (m *byteMeter) middleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()

		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))

		m.mu.Lock()
		m.requestBytes = len(body)
		m.mu.Unlock()
	}

	resp, err := next(req)
	if err != nil || resp == nil {
		return resp, err
	}

	m.mu.Lock()
	m.status = resp.StatusCode
	m.mu.Unlock()

	resp.Body = &teeBody{ReadCloser: resp.Body, meter: m}
	return resp, nil
}

func (m *byteMeter) responseBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body.Bytes()
}

// teeBody copies everything the SDK reads into the meter
type teeBody struct {
	io.ReadCloser
	meter *byteMeter
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.meter.mu.Lock()
		b.meter.body.Write(p[:n])
		b.meter.mu.Unlock()
	}
	return n, err
}
