// Package providers defines the canonical request/response shapes and the
// per-wire-format adapter interface used by every provider implementation
// (OpenAI, Anthropic, Zhipu). Adding a wire format is an additive change:
// one new tagged implementation plus a shared canonical type, never a
// runtime type-switch across adapters (§9).
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// ContentPart is one element of a multimodal content array. Exactly one of
// Text/ImageURL/InputAudio is set, selected by Type.
type ContentPart struct {
	Type string `json:"type"` // "text" | "image_url" | "input_audio"

	Text string `json:"text,omitempty"`

	ImageURL *struct {
		URL string `json:"url"` // may be a data: URI with base64 payload
	} `json:"image_url,omitempty"`

	InputAudio *struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	} `json:"input_audio,omitempty"`
}

// MessageContent is either a bare string or an ordered list of ContentPart,
// normalized to the list form before dispatch so a single adapter code
// path serves both shapes (§9).
type MessageContent struct {
	Parts []ContentPart
}

// MarshalJSON renders a single text part back to a bare string, matching
// what most upstreams expect for plain text turns.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) == 1 && c.Parts[0].Type == "text" && c.Parts[0].ImageURL == nil && c.Parts[0].InputAudio == nil {
		return json.Marshal(c.Parts[0].Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts both a bare string and a content-part array,
// always normalizing to Parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Parts = []ContentPart{{Type: "text", Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	return nil
}

// Text concatenates every text part, ignoring images/audio — used when an
// adapter needs a flat string (e.g. Anthropic's top-level `system`).
func (c MessageContent) Text() string {
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ToolCall mirrors OpenAI's function-call-as-tool-call shape.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Message is one canonical conversation turn.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// Usage is the canonical token accounting shape.
type Usage struct {
	PromptTokens             int64 `json:"prompt_tokens"`
	CompletionTokens         int64 `json:"completion_tokens"`
	TotalTokens              int64 `json:"total_tokens"`
	PromptTokensDetails      *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails  *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens *int64 `json:"cached_tokens,omitempty"`
}

type CompletionTokensDetails struct {
	ReasoningTokens *int64 `json:"reasoning_tokens,omitempty"`
}

// CanonicalRequest is a superset of OpenAI's chat/completions body (§4.3).
// RawExtra carries vendor-specific passthrough fields verbatim so adapters
// never have to know every field an upstream might accept.
type CanonicalRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	RawExtra    map[string]json.RawMessage `json:"-"`
}

// Choice is one canonical completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      Message         `json:"message"`
	FinishReason string          `json:"finish_reason"`
	ServiceTier  string          `json:"service_tier,omitempty"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// CanonicalResponse is the adapter-normalized OpenAI-shaped response (§4.3).
type CanonicalResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// StreamEventKind tags the delta-vs-error-vs-done shape of one streamed event.
type StreamEventKind int

const (
	StreamEventDelta StreamEventKind = iota
	StreamEventError
	StreamEventDone
)

// CanonicalStreamEvent is one adapter-normalized SSE event, already shaped
// like an OpenAI chat.completion.chunk (or a terminal error/done marker).
type CanonicalStreamEvent struct {
	Kind  StreamEventKind
	Delta *CanonicalResponse // for StreamEventDelta: choices[*].delta-shaped via Choice.Message
	Usage *Usage             // set only on the frame that carries it (usually the terminal one)
	Err   string             // for StreamEventError: the textual reason
}

// UpstreamModel is one entry of a provider's model-listing endpoint,
// normalized to the common shape all three wire formats share.
type UpstreamModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ProviderAdapter is the tagged, per-wire-format behavior C6 specifies.
type ProviderAdapter interface {
	// Name is the api_type this adapter serves: "openai", "anthropic", "zhipu".
	Name() string
	// BuildRequest turns a canonical request (with model already resolved
	// to the upstream name) into the wire body/headers the upstream expects.
	BuildRequest(req *CanonicalRequest, apiKey string) (*HTTPRequest, error)
	// ParseSync parses a non-streaming upstream response body.
	ParseSync(status int, body []byte) (*CanonicalResponse, error)
	// Dispatch performs the HTTP call and, for streaming requests, returns
	// a channel of CanonicalStreamEvent; for non-streaming requests it
	// returns a single CanonicalResponse.
	Dispatch(ctx context.Context, req *CanonicalRequest, apiKey string) (*CanonicalResponse, <-chan CanonicalStreamEvent, error)
	// ListModels fetches the upstream model-listing endpoint at url
	// (provider.base_url + provider.models_endpoint), authenticated the way
	// this wire format expects.
	ListModels(ctx context.Context, url, apiKey string) ([]UpstreamModel, error)
}

// HTTPRequest is the adapter-agnostic description of an upstream call.
type HTTPRequest struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// ProviderTimeout bounds a single upstream attempt (§5 concurrency model:
// "any sleep for timeout" is a suspension point).
const ProviderTimeout = 30 * time.Second

// StatusCoder lets apierr.GatewayError and provider errors share one
// HTTP-status-carrying shape.
type StatusCoder interface {
	HTTPStatus() int
}
