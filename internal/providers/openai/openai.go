// Package openai adapts the canonical chat-completion shape to and from
// OpenAI's Chat Completions wire format — which the canonical shape is
// already modeled on, so this adapter is closer to a pass-through than a
// translation.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/aigateway/internal/providers"
	"github.com/nulpointcorp/aigateway/internal/streaming"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider implements providers.ProviderAdapter for OpenAI, speaking raw
// JSON directly against /chat/completions rather than the vendor SDK — see
// DESIGN.md C6.
type Provider struct {
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new OpenAI Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

// BuildRequest marshals the canonical request near-verbatim: its JSON tags
// already match OpenAI's wire shape, so only RawExtra merging is extra work.
func (p *Provider) BuildRequest(req *providers.CanonicalRequest, apiKey string) (*providers.HTTPRequest, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if len(req.RawExtra) > 0 {
		body, err = mergeExtra(body, req.RawExtra)
		if err != nil {
			return nil, err
		}
	}

	return &providers.HTTPRequest{
		Method: http.MethodPost,
		URL:    p.baseURL + "/chat/completions",
		Header: map[string]string{
			"content-type":  "application/json",
			"authorization": "Bearer " + apiKey,
		},
		Body: body,
	}, nil
}

// mergeExtra folds vendor-specific passthrough fields back into the
// marshaled body so they survive the canonical round-trip verbatim (§4.3).
func mergeExtra(body []byte, extra map[string]json.RawMessage) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// ParseSync parses a non-streaming chat/completions response body.
func (p *Provider) ParseSync(status int, body []byte) (*providers.CanonicalResponse, error) {
	if status < 200 || status >= 300 {
		return nil, toProviderError(status, body)
	}
	var resp providers.CanonicalResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &resp, nil
}

// Dispatch performs the HTTP call and, for streaming requests, forwards the
// upstream SSE chunk sequence as canonical stream events near-verbatim.
func (p *Provider) Dispatch(ctx context.Context, req *providers.CanonicalRequest, apiKey string) (*providers.CanonicalResponse, <-chan providers.CanonicalStreamEvent, error) {
	httpReq, err := p.BuildRequest(req, apiKey)
	if err != nil {
		return nil, nil, err
	}

	r, err := http.NewRequestWithContext(ctx, httpReq.Method, httpReq.URL, bytes.NewReader(httpReq.Body))
	if err != nil {
		return nil, nil, err
	}
	for k, v := range httpReq.Header {
		r.Header.Set(k, v)
	}

	resp, err := p.client.Do(r)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: request: %w", err)
	}

	if !req.Stream {
		// Upstream sometimes streams even when asked not to (misbehaving
		// proxies, some self-hosted OpenAI-compatible servers); fold the SSE
		// sequence into one response rather than failing to parse it as JSON.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && isEventStream(resp.Header.Get("Content-Type")) {
			ch := make(chan providers.CanonicalStreamEvent, 64)
			go consumeStream(resp.Body, ch)
			cr, err := streaming.Fold(ch)
			if err != nil {
				return nil, nil, fmt.Errorf("openai: fold stream: %w", err)
			}
			return cr, nil, nil
		}

		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: read response: %w", err)
		}
		cr, err := p.ParseSync(resp.StatusCode, body)
		if err != nil {
			return nil, nil, err
		}
		return cr, nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		errCh := make(chan providers.CanonicalStreamEvent, 1)
		errCh <- providers.CanonicalStreamEvent{Kind: providers.StreamEventError, Err: toProviderError(resp.StatusCode, body).Error()}
		close(errCh)
		return nil, errCh, nil
	}

	ch := make(chan providers.CanonicalStreamEvent, 64)
	go consumeStream(resp.Body, ch)
	return nil, ch, nil
}

// isEventStream reports whether a Content-Type header names an SSE body,
// ignoring any charset/boundary parameters.
func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// ListModels fetches the OpenAI-shaped {data:[...]} model listing.
func (p *Provider) ListModels(ctx context.Context, url, apiKey string) ([]providers.UpstreamModel, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, toProviderError(resp.StatusCode, body)
	}

	var listing struct {
		Data []providers.UpstreamModel `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("openai: decode models response: %w", err)
	}
	return listing.Data, nil
}

// chunk mirrors chat.completion.chunk: choices carry a `delta` message
// rather than a final `message`.
type chunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int              `json:"index"`
		Delta        providers.Message `json:"delta"`
		FinishReason string           `json:"finish_reason"`
	} `json:"choices"`
	Usage *providers.Usage `json:"usage"`
}

func consumeStream(body io.ReadCloser, ch chan<- providers.CanonicalStreamEvent) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- providers.CanonicalStreamEvent{Kind: providers.StreamEventDone}
			return
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}

		cr := &providers.CanonicalResponse{
			ID: c.ID, Object: c.Object, Created: c.Created, Model: c.Model,
		}
		for _, ch2 := range c.Choices {
			cr.Choices = append(cr.Choices, providers.Choice{
				Index: ch2.Index, Message: ch2.Delta, FinishReason: ch2.FinishReason,
			})
		}

		ch <- providers.CanonicalStreamEvent{Kind: providers.StreamEventDelta, Delta: cr, Usage: c.Usage}
	}
	if err := scanner.Err(); err != nil {
		ch <- providers.CanonicalStreamEvent{Kind: providers.StreamEventError, Err: err.Error()}
	}
}

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func toProviderError(status int, body []byte) error {
	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error.Message != "" {
		return &ProviderError{StatusCode: status, Message: we.Error.Message, Type: we.Error.Type}
	}
	return &ProviderError{StatusCode: status, Message: string(body), Type: "unknown"}
}
