package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/aigateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New(WithBaseURL(srv.URL))
}

func baseRequest() *providers.CanonicalRequest {
	return &providers.CanonicalRequest{
		Model: "claude-3-5-sonnet",
		Messages: []providers.Message{
			{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: "Hello"}}}},
		},
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func requireProviderError(t *testing.T, err error, wantStatus int) *ProviderError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected error to be *ProviderError (via errors.As), got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, pe.StatusCode)
	}
	if pe.HTTPStatus() != wantStatus {
		t.Fatalf("expected HTTPStatus()=%d, got %d", wantStatus, pe.HTTPStatus())
	}
	return pe
}

func TestProvider_Name(t *testing.T) {
	p := New()
	if p.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", p.Name())
	}
}

func TestProvider_BuildRequest_Headers(t *testing.T) {
	p := New(WithBaseURL("https://example.test"))
	httpReq, err := p.BuildRequest(baseRequest(), "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if httpReq.Header["x-api-key"] != "mock-api-key" {
		t.Fatalf("missing or wrong x-api-key header: %q", httpReq.Header["x-api-key"])
	}
	if httpReq.Header["anthropic-version"] == "" {
		t.Fatalf("expected anthropic-version header to be present")
	}
	if httpReq.URL != "https://example.test/messages" {
		t.Fatalf("unexpected URL: %s", httpReq.URL)
	}

	body := decodeJSONMap(t, httpReq.Body)
	if body["model"] != "claude-3-5-sonnet" {
		t.Fatalf("expected model=%q, got %#v", "claude-3-5-sonnet", body["model"])
	}
	if got, ok := body["max_tokens"].(float64); !ok || int(got) != defaultMaxTokens {
		t.Fatalf("expected max_tokens=%d, got %#v", defaultMaxTokens, body["max_tokens"])
	}
	if _, ok := body["system"]; ok {
		t.Fatalf("did not expect system field, got %#v", body["system"])
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message, got %#v", body["messages"])
	}
}

func TestProvider_BuildRequest_SystemMessageExtraction(t *testing.T) {
	p := New(WithBaseURL("https://example.test"))
	req := &providers.CanonicalRequest{
		Model: "claude-3-5-sonnet",
		Messages: []providers.Message{
			{Role: "system", Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: "You are helpful."}}}},
			{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: "Help me"}}}},
		},
	}

	httpReq, err := p.BuildRequest(req, "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := decodeJSONMap(t, httpReq.Body)

	if body["system"] != "You are helpful." {
		t.Fatalf("expected system=%q, got %#v", "You are helpful.", body["system"])
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %#v", body["messages"])
	}
	m0 := msgs[0].(map[string]any)
	if m0["role"] != "user" {
		t.Fatalf("expected role=user, got %#v", m0["role"])
	}
}

func TestProvider_Dispatch_Sync_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg-123",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-5-sonnet",
			"content":       []map[string]any{{"type": "text", "text": "Hello, world!"}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, streamCh, err := p.Dispatch(context.Background(), baseRequest(), "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if streamCh != nil {
		t.Fatal("expected no stream channel for a non-streaming request")
	}
	if resp.ID != "msg-123" {
		t.Fatalf("expected ID 'msg-123', got %q", resp.ID)
	}
	if resp.Choices[0].Message.Content.Text() != "Hello, world!" {
		t.Fatalf("expected content 'Hello, world!', got %q", resp.Choices[0].Message.Content.Text())
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected mapped finish_reason 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Dispatch_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-1\"}}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		}
		for _, ev := range events {
			w.Write([]byte(ev))
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	_, streamCh, err := p.Dispatch(context.Background(), req, "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content strings.Builder
	var sawDone bool
	var lastUsage *providers.Usage
	for ev := range streamCh {
		switch ev.Kind {
		case providers.StreamEventDelta:
			if ev.Delta != nil && len(ev.Delta.Choices) > 0 {
				content.WriteString(ev.Delta.Choices[0].Message.Content.Text())
			}
			if ev.Usage != nil {
				lastUsage = ev.Usage
			}
		case providers.StreamEventDone:
			sawDone = true
		case providers.StreamEventError:
			t.Fatalf("unexpected stream error: %s", ev.Err)
		}
	}
	if content.String() != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", content.String())
	}
	if !sawDone {
		t.Fatal("expected a terminal done event")
	}
	if lastUsage == nil || lastUsage.TotalTokens != 3 {
		t.Fatalf("expected terminal usage with total_tokens=3, got %+v", lastUsage)
	}
}

func TestProvider_Dispatch_NonStreamingRequestFoldsUnexpectedSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		}
		for _, ev := range events {
			w.Write([]byte(ev))
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = false

	p := newTestProvider(srv)
	resp, streamCh, err := p.Dispatch(context.Background(), req, "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if streamCh != nil {
		t.Fatal("expected no stream channel once the SSE body is folded")
	}
	if resp.Choices[0].Message.Content.Text() != "Hello world" {
		t.Fatalf("expected folded text 'Hello world', got %q", resp.Choices[0].Message.Content.Text())
	}
	if resp.Usage.TotalTokens != 3 {
		t.Fatalf("expected folded usage total_tokens=3, got %d", resp.Usage.TotalTokens)
	}
}

func TestProvider_Dispatch_StreamUpstreamErrorBeforeFirstFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "Rate limit exceeded"},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	resp, streamCh, err := p.Dispatch(context.Background(), req, "mock-api-key")
	if err != nil {
		t.Fatalf("expected the failure to surface through the stream channel, not a Go error: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no synchronous response, got %+v", resp)
	}
	if streamCh == nil {
		t.Fatal("expected a stream channel carrying a single error event")
	}

	ev, ok := <-streamCh
	if !ok {
		t.Fatal("expected one event before the channel closes")
	}
	if ev.Kind != providers.StreamEventError {
		t.Fatalf("expected a StreamEventError, got %+v", ev)
	}
	if !strings.Contains(strings.ToLower(ev.Err), "rate limit") {
		t.Fatalf("expected the error reason to mention rate limit, got %q", ev.Err)
	}
	if _, ok := <-streamCh; ok {
		t.Error("expected the channel to close after the single error event")
	}
}

func TestProvider_Dispatch_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "Rate limit exceeded"},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, _, err := p.Dispatch(context.Background(), baseRequest(), "mock-api-key")
	pe := requireProviderError(t, err, http.StatusTooManyRequests)
	if pe.Message == "" {
		t.Fatalf("expected non-empty ProviderError.Message")
	}
}

func TestProvider_Dispatch_Overloaded529(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "Anthropic is temporarily overloaded"},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, _, err := p.Dispatch(context.Background(), baseRequest(), "mock-api-key")
	_ = requireProviderError(t, err, 529)
}

func TestProvider_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"id": "claude-3-5-sonnet", "object": "model", "created": 1, "owned_by": "anthropic"},
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	models, err := p.ListModels(context.Background(), srv.URL+"/models", "mock-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "claude-3-5-sonnet" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestProviderError_ErrorString(t *testing.T) {
	e := &ProviderError{StatusCode: 429, Message: "Rate limit exceeded", Type: "rate_limit_error"}
	s := e.Error()
	if !strings.Contains(s, "anthropic") {
		t.Fatalf("Error() should mention 'anthropic', got: %s", s)
	}
	if !strings.Contains(s, "429") {
		t.Fatalf("Error() should mention status code, got: %s", s)
	}
}
