// Package anthropic adapts the canonical chat-completion shape to and from
// Anthropic's Messages API wire format.
package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
	anthropicVersion = "2023-06-01"
)

// Provider implements providers.ProviderAdapter for Anthropic, speaking raw
// JSON over the Messages API rather than the vendor SDK — see DESIGN.md C6
// for why: the canonical shape must preserve vendor passthrough fields that
// a typed SDK would silently drop.
type Provider struct {
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
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

// BuildRequest translates a canonical request into the Messages API body.
func (p *Provider) BuildRequest(req *providers.CanonicalRequest, apiKey string) (*providers.HTTPRequest, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	var system strings.Builder
	msgs := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteByte('\n')
			}
			system.WriteString(m.Content.Text())
		default:
			msgs = append(msgs, toAnthropicMessage(m))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	tools, err := convertToolsToAnthropic(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: tools: %w", err)
	}
	toolChoice, err := convertToolChoiceToAnthropic(req.ToolChoice)
	if err != nil {
		return nil, fmt.Errorf("anthropic: tool_choice: %w", err)
	}

	body := messagesRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      system.String(),
		MaxTokens:   maxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       tools,
		ToolChoice:  toolChoice,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return &providers.HTTPRequest{
		Method: http.MethodPost,
		URL:    p.baseURL + "/messages",
		Header: map[string]string{
			"content-type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		},
		Body: raw,
	}, nil
}

func toAnthropicMessage(m providers.Message) apiMessage {
	role := strings.ToLower(m.Role)
	if role != "assistant" {
		role = "user"
	}

	var blocks []contentBlock
	if m.Role == "tool" {
		blocks = append(blocks, contentBlock{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Content.Text(),
		})
	} else {
		for _, part := range m.Content.Parts {
			switch part.Type {
			case "text":
				blocks = append(blocks, contentBlock{Type: "text", Text: part.Text})
			case "image_url":
				if part.ImageURL != nil {
					if src := parseDataURI(part.ImageURL.URL); src != nil {
						blocks = append(blocks, contentBlock{Type: "image", Source: src})
					}
				}
			}
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	return apiMessage{Role: role, Content: blocks}
}

// parseDataURI extracts the media type and base64 payload from a
// `data:<mime>;base64,<data>` URI; returns nil for any other URL scheme
// since Anthropic's image blocks require an inline base64 source.
func parseDataURI(uri string) *imageSource {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return nil
	}
	rest := uri[len(prefix):]
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil
	}
	return &imageSource{Type: "base64", MediaType: rest[:semi], Data: rest[semi+len(";base64,"):]}
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func convertToolsToAnthropic(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var openaiTools []openAITool
	if err := json.Unmarshal(raw, &openaiTools); err != nil {
		return nil, err
	}
	out := make([]anthropicTool, 0, len(openaiTools))
	for _, t := range openaiTools {
		out = append(out, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return json.Marshal(out)
}

func convertToolChoiceToAnthropic(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "none":
			return nil, nil // Anthropic has no "none"; omit tools instead at a higher layer if needed
		case "required":
			return json.Marshal(map[string]string{"type": "any"})
		default:
			return json.Marshal(map[string]string{"type": "auto"})
		}
	}
	var wrapper struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Function.Name != "" {
		return json.Marshal(map[string]string{"type": "tool", "name": wrapper.Function.Name})
	}
	return json.Marshal(map[string]string{"type": "auto"})
}

// ParseSync parses a non-streaming Messages API response body.
func (p *Provider) ParseSync(status int, body []byte) (*providers.CanonicalResponse, error) {
	if status < 200 || status >= 300 {
		return nil, toProviderError(status, body)
	}
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return toCanonicalResponse(&resp), nil
}

func toCanonicalResponse(resp *messagesResponse) *providers.CanonicalResponse {
	msg := providers.Message{Role: "assistant"}
	var textParts []providers.ContentPart
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			textParts = append(textParts, providers.ContentPart{Type: "text", Text: b.Text})
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, toolCallFromBlock(b))
		}
	}
	msg.Content = providers.MessageContent{Parts: textParts}

	return &providers.CanonicalResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []providers.Choice{{Index: 0, Message: msg, FinishReason: mapStopReason(resp.StopReason)}},
		Usage:   usageFromAPI(resp.Usage),
	}
}

func toolCallFromBlock(b contentBlock) providers.ToolCall {
	tc := providers.ToolCall{ID: b.ID, Type: "function"}
	tc.Function.Name = b.Name
	tc.Function.Arguments = string(b.Input)
	return tc
}

func usageFromAPI(u apiUsage) providers.Usage {
	usage := providers.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		cached := u.CacheReadInputTokens
		usage.PromptTokensDetails = &providers.PromptTokensDetails{CachedTokens: &cached}
	}
	return usage
}

// mapStopReason implements §4.3's Anthropic->OpenAI finish_reason mapping.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// Dispatch performs the HTTP call and, for streaming requests, translates
// the Messages SSE event sequence into canonical stream events.
func (p *Provider) Dispatch(ctx context.Context, req *providers.CanonicalRequest, apiKey string) (*providers.CanonicalResponse, <-chan providers.CanonicalStreamEvent, error) {
	httpReq, err := p.BuildRequest(req, apiKey)
	if err != nil {
		return nil, nil, err
	}

	httpReq2, err := http.NewRequestWithContext(ctx, httpReq.Method, httpReq.URL, bytes.NewReader(httpReq.Body))
	if err != nil {
		return nil, nil, err
	}
	for k, v := range httpReq.Header {
		httpReq2.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq2)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: request: %w", err)
	}

	if !req.Stream {
		// Upstream sometimes streams even when asked not to; fold the SSE
		// sequence into one response rather than failing to parse it as JSON.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && isEventStream(resp.Header.Get("Content-Type")) {
			ch := make(chan providers.CanonicalStreamEvent, 64)
			go consumeStream(resp.Body, ch)
			cr, err := streaming.Fold(ch)
			if err != nil {
				return nil, nil, fmt.Errorf("anthropic: fold stream: %w", err)
			}
			return cr, nil, nil
		}

		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: read response: %w", err)
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

// ListModels fetches Anthropic's {data:[...]} model listing.
func (p *Provider) ListModels(ctx context.Context, url, apiKey string) ([]providers.UpstreamModel, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("x-api-key", apiKey)
	r.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, toProviderError(resp.StatusCode, body)
	}

	var listing struct {
		Data []providers.UpstreamModel `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("anthropic: decode models response: %w", err)
	}
	return listing.Data, nil
}

// consumeStream reads the Messages SSE event sequence and emits canonical
// deltas, accumulating tool_use input_json_delta fragments per block index.
func consumeStream(body io.ReadCloser, ch chan<- providers.CanonicalStreamEvent) {
	defer close(ch)
	defer body.Close()

	toolArgs := map[int]*strings.Builder{}
	toolMeta := map[int]contentBlock{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if dataLine == "" {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
				dataLine = ""
				continue
			}
			dataLine = ""

			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					toolArgs[ev.Index] = &strings.Builder{}
					toolMeta[ev.Index] = *ev.ContentBlock
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						ch <- textDeltaEvent(ev.Delta.Text)
					}
				case "input_json_delta":
					if b, ok := toolArgs[ev.Index]; ok {
						b.WriteString(ev.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if b, ok := toolArgs[ev.Index]; ok {
					meta := toolMeta[ev.Index]
					ch <- toolCallDeltaEvent(providers.ToolCall{
						ID:   meta.ID,
						Type: "function",
						Function: struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						}{Name: meta.Name, Arguments: b.String()},
					})
				}
			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					var usage *providers.Usage
					if ev.Usage != nil {
						u := usageFromAPI(*ev.Usage)
						usage = &u
					}
					ch <- providers.CanonicalStreamEvent{
						Kind: providers.StreamEventDelta,
						Delta: &providers.CanonicalResponse{
							Object:  "chat.completion.chunk",
							Choices: []providers.Choice{{FinishReason: mapStopReason(ev.Delta.StopReason)}},
						},
						Usage: usage,
					}
				}
			case "message_stop":
				ch <- providers.CanonicalStreamEvent{Kind: providers.StreamEventDone}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- providers.CanonicalStreamEvent{Kind: providers.StreamEventError, Err: err.Error()}
	}
}

func textDeltaEvent(text string) providers.CanonicalStreamEvent {
	return providers.CanonicalStreamEvent{
		Kind: providers.StreamEventDelta,
		Delta: &providers.CanonicalResponse{
			Object: "chat.completion.chunk",
			Choices: []providers.Choice{{
				Message: providers.Message{Role: "assistant", Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: text}}}},
			}},
		},
	}
}

func toolCallDeltaEvent(tc providers.ToolCall) providers.CanonicalStreamEvent {
	return providers.CanonicalStreamEvent{
		Kind: providers.StreamEventDelta,
		Delta: &providers.CanonicalResponse{
			Object:  "chat.completion.chunk",
			Choices: []providers.Choice{{Message: providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{tc}}}},
		},
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(status int, body []byte) error {
	var wrapped apiError
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		return &ProviderError{StatusCode: status, Message: wrapped.Error.Message, Type: wrapped.Error.Type}
	}
	return &ProviderError{StatusCode: status, Message: string(body), Type: "unknown"}
}
