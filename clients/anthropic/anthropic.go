package anthropic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	apiVersion       = "2023-06-01"
	maxErrorBodySize = 512
)

// Transport sends messages requests to the Anthropic API
type Transport struct {
	key        string
	apiKey     string
	endpoint   string
	opts       clients.AnthropicOptions
	httpClient *http.Client
}

var _ clients.Transport = (*Transport)(nil)

// New creates a transport for an anthropic provider config. httpClient may be nil.
func New(cfg clients.ProviderConfig, httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := clients.DefaultAnthropicOptions()
	if cfg.Anthropic != nil {
		opts = cfg.Anthropic
	}

	return &Transport{
		key:        cfg.Key(),
		apiKey:     cfg.APIKey,
		endpoint:   cfg.ResolvedBaseURL() + "/v1/messages",
		opts:       *opts,
		httpClient: httpClient,
	}
}

func (t *Transport) Key() string {
	return t.key
}

// Execute posts the request and reads usage from the response
func (t *Transport) Execute(ctx context.Context, req clients.Request) (*clients.Response, error) {
	body, err := t.payload(req)
	if err != nil {
		return nil, &clients.TransportError{Kind: clients.KindMalformed, ProviderKey: t.key, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &clients.TransportError{Kind: clients.KindConnection, ProviderKey: t.key, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", t.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, clients.ClassifyNetworkError(t.key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	if err != nil {
		return nil, clients.ClassifyNetworkError(t.key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &clients.TransportError{
			Kind:        clients.KindStatus,
			ProviderKey: t.key,
			StatusCode:  resp.StatusCode,
			Err:         fmt.Errorf("anthropic api error: %s", truncate(respBody)),
		}
	}

	if !gjson.ValidBytes(respBody) {
		return nil, &clients.TransportError{
			Kind:        clients.KindMalformed,
			ProviderKey: t.key,
			StatusCode:  resp.StatusCode,
			Err:         errors.New("response is not valid json"),
		}
	}

	usage := gjson.GetManyBytes(respBody, "usage.input_tokens", "usage.output_tokens")
	if !usage[0].Exists() || !usage[1].Exists() {
		return nil, &clients.TransportError{
			Kind:        clients.KindMalformed,
			ProviderKey: t.key,
			StatusCode:  resp.StatusCode,
			Err:         errors.New("response has no usage"),
		}
	}

	return &clients.Response{
		PromptTokens:     int(usage[0].Int()),
		CompletionTokens: int(usage[1].Int()),
		RequestBytes:     len(body) + len(fmt.Sprintf("x-api-key: %s\n", t.apiKey)),
		ResponseBytes:    len(respBody),
		Duration:         duration,
	}, nil
}

// payload builds the messages body. System turns are hoisted into the top-level system field.
func (t *Transport) payload(req clients.Request) ([]byte, error) {
	body := []byte(`{}`)
	var err error

	if body, err = sjson.SetBytes(body, "model", t.opts.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "max_tokens", t.opts.MaxTokens); err != nil {
		return nil, err
	}
	if t.opts.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *t.opts.Temperature); err != nil {
			return nil, err
		}
	}

	system := ""
	turns := 0
	for _, msg := range req {
		if msg.Role == clients.MessageRoleSystem || msg.Role == clients.MessageRoleDeveloper {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}

		role := "user"
		if msg.Role == clients.MessageRoleAssistant {
			role = "assistant"
		}
		if body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", turns), role); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", turns), msg.Content); err != nil {
			return nil, err
		}
		turns++
	}

	if turns == 0 {
		if body, err = sjson.SetRawBytes(body, "messages", []byte(`[]`)); err != nil {
			return nil, err
		}
	}
	if system != "" {
		if body, err = sjson.SetBytes(body, "system", system); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// truncate caps body at maxErrorBodySize bytes without splitting a rune
func truncate(body []byte) string {
	if len(body) <= maxErrorBodySize {
		return string(body)
	}
	cut := maxErrorBodySize
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
