package anthropic

import "encoding/json"

// messagesRequest is the wire shape of POST /v1/messages.
type messagesRequest struct {
	Model       string          `json:"model"`
	Messages    []apiMessage    `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock covers every block kind the Messages API sends or accepts:
// text, image, tool_use (assistant requesting a call), tool_result (user
// turn answering one).
type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *imageSource `json:"source,omitempty"`

	// tool_use (assistant -> client)
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result (client -> assistant)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type apiUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// streamEvent is one SSE `data:` payload of the Messages streaming API.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *messagesResponse `json:"message,omitempty"` // message_start

	ContentBlock *contentBlock `json:"content_block,omitempty"` // content_block_start

	Delta *streamDelta `json:"delta,omitempty"` // content_block_delta / message_delta

	Usage *apiUsage `json:"usage,omitempty"` // message_delta
}

// streamDelta covers both content_block_delta (text_delta/input_json_delta)
// and message_delta (stop_reason) payloads.
type streamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type apiError struct {
	Type  string        `json:"type"`
	Error *apiErrDetail `json:"error"`
}

type apiErrDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
