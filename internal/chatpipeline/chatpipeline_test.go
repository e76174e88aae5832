package chatpipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nulpointcorp/aigateway/internal/balancer"
	"github.com/nulpointcorp/aigateway/internal/breaker"
	"github.com/nulpointcorp/aigateway/internal/identity"
	"github.com/nulpointcorp/aigateway/internal/providers"
	"github.com/nulpointcorp/aigateway/internal/storage"
	"github.com/nulpointcorp/aigateway/internal/vault"
	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// slowAdapter blocks Dispatch past the caller's context deadline, so the
// pipeline observes a context.DeadlineExceeded-wrapped dispatch error.
type slowAdapter struct{ fakeAdapter }

func (a *slowAdapter) Dispatch(ctx context.Context, req *providers.CanonicalRequest, apiKey string) (*providers.CanonicalResponse, <-chan providers.CanonicalStreamEvent, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// fakeStore is a minimal in-memory storage.Store for pipeline orchestration tests.
type fakeStore struct {
	tokens    map[string]*storage.ClientToken
	providers map[string]storage.Provider
	keys      map[string][]storage.ProviderKey
	price     *storage.ModelPrice
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:    map[string]*storage.ClientToken{},
		providers: map[string]storage.Provider{},
		keys:      map[string][]storage.ProviderKey{},
	}
}

func (s *fakeStore) GetProvider(ctx context.Context, name string) (*storage.Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (s *fakeStore) ListEnabledProviders(ctx context.Context) ([]storage.Provider, error) {
	var out []storage.Provider
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}
func (s *fakeStore) ListAllProviders(ctx context.Context) ([]storage.Provider, error) { return nil, nil }
func (s *fakeStore) UpsertProvider(ctx context.Context, p storage.Provider) error      { return nil }
func (s *fakeStore) DeleteProvider(ctx context.Context, name string) error             { return nil }

func (s *fakeStore) ListActiveKeys(ctx context.Context, provider string) ([]storage.ProviderKey, error) {
	return s.keys[provider], nil
}
func (s *fakeStore) AddKey(ctx context.Context, key storage.ProviderKey) error   { return nil }
func (s *fakeStore) DeleteKey(ctx context.Context, provider, value string) error { return nil }

func (s *fakeStore) GetTokenBySecret(ctx context.Context, secret string) (*storage.ClientToken, error) {
	return s.tokens[secret], nil
}
func (s *fakeStore) GetToken(ctx context.Context, id string) (*storage.ClientToken, error) { return nil, nil }
func (s *fakeStore) RecordTokenUsage(ctx context.Context, id string, amount float64, prompt, completion, total int64) (*storage.ClientToken, error) {
	for _, t := range s.tokens {
		if t.ID == id {
			t.AmountSpent += amount
			t.PromptTokensSpent += prompt
			t.CompletionTokensSpent += completion
			t.TotalTokensSpent += total
			return t, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) SetTokenEnabled(ctx context.Context, id string, enabled bool) error {
	for _, t := range s.tokens {
		if t.ID == id {
			t.Enabled = enabled
		}
	}
	return nil
}

func (s *fakeStore) ListAllModels(ctx context.Context) ([]storage.ModelCacheEntry, error) { return nil, nil }
func (s *fakeStore) ListProviderModels(ctx context.Context, provider string) ([]storage.ModelCacheEntry, error) {
	return nil, nil
}
func (s *fakeStore) ReplaceModels(ctx context.Context, provider string, entries []storage.ModelCacheEntry) (int, int, int, error) {
	return 0, 0, 0, nil
}
func (s *fakeStore) UpsertModels(ctx context.Context, provider string, entries []storage.ModelCacheEntry) (int, int, error) {
	return 0, 0, nil
}
func (s *fakeStore) RemoveModels(ctx context.Context, provider string, ids []string) ([]string, []string, error) {
	return nil, nil, nil
}

func (s *fakeStore) GetPrice(ctx context.Context, provider, model string) (*storage.ModelPrice, error) {
	return s.price, nil
}
func (s *fakeStore) WriteRequestLog(ctx context.Context, log storage.RequestLog) error     { return nil }
func (s *fakeStore) WriteOperationLog(ctx context.Context, log storage.OperationLog) error { return nil }
func (s *fakeStore) Close() error                                                          { return nil }

// fakeAdapter lets each test script a canned Dispatch outcome.
type fakeAdapter struct {
	syncResp *providers.CanonicalResponse
	streamCh <-chan providers.CanonicalStreamEvent
	err      error
}

func (a *fakeAdapter) Name() string { return "openai" }
func (a *fakeAdapter) BuildRequest(req *providers.CanonicalRequest, apiKey string) (*providers.HTTPRequest, error) {
	return nil, nil
}
func (a *fakeAdapter) ParseSync(status int, body []byte) (*providers.CanonicalResponse, error) {
	return nil, nil
}
func (a *fakeAdapter) Dispatch(ctx context.Context, req *providers.CanonicalRequest, apiKey string) (*providers.CanonicalResponse, <-chan providers.CanonicalStreamEvent, error) {
	return a.syncResp, a.streamCh, a.err
}
func (a *fakeAdapter) ListModels(ctx context.Context, url, apiKey string) ([]providers.UpstreamModel, error) {
	return nil, nil
}

type dispatchErr struct{ status int }

func (e *dispatchErr) Error() string   { return "upstream failure" }
func (e *dispatchErr) HTTPStatus() int { return e.status }

func newTestPipeline(store *fakeStore, adapter providers.ProviderAdapter) *Pipeline {
	return &Pipeline{
		Store:     store,
		Balancer:  balancer.New(balancer.FirstAvailable),
		Breaker:   breaker.New(breaker.Config{}),
		Vault:     vault.New(vault.StrategyPlain, ""),
		Redirects: nil,
		Adapters:  map[string]providers.ProviderAdapter{"openai": adapter},
	}
}

func seedToken(store *fakeStore, secret string, tok *storage.ClientToken) {
	tok.ID = secret + "-id"
	tok.Token = secret
	tok.Enabled = true
	store.tokens[secret] = tok
}

func seedProvider(store *fakeStore, name string) {
	store.providers[name] = storage.Provider{Name: name, APIType: "openai", Enabled: true}
	store.keys[name] = []storage.ProviderKey{{Provider: name, Value: "sk-live", Enc: vault.EncPlain, Active: true}}
}

func reqBody(model string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   stream,
	})
	return body
}

func TestChat_MissingBearer(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", err)
	}
}

func TestChat_InvalidModelBody(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", []byte(`{"messages":[]}`))
	if apierr.As(err).Code != apierr.CodeJSON {
		t.Fatalf("expected CodeJSON, got %v", err)
	}
}

func TestChat_InvalidToken(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer does-not-exist", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", err)
	}
}

func TestChat_DisabledToken(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{Enabled: false})
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeForbidden {
		t.Fatalf("expected CodeForbidden, got %v", err)
	}
}

func TestChat_ExpiredToken(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Hour).Format("2006-01-02 15:04:05")
	seedToken(store, "tok", &storage.ClientToken{ExpiresAt: &past})
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeForbidden {
		t.Fatalf("expected CodeForbidden for an expired token, got %v", err)
	}
}

func TestChat_ModelNotAllowed(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{AllowedModels: "gpt-4o-mini"})
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeModelNotAllowed {
		t.Fatalf("expected CodeModelNotAllowed, got %v", err)
	}
}

func TestChat_SpendCapReached(t *testing.T) {
	store := newFakeStore()
	cap := 1.0
	seedToken(store, "tok", &storage.ClientToken{MaxAmount: &cap, AmountSpent: 1.0})
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeQuotaExceeded {
		t.Fatalf("expected CodeQuotaExceeded, got %v", err)
	}
}

func TestChat_NoProviderCandidates(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	p := newTestPipeline(store, &fakeAdapter{})
	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if err == nil {
		t.Fatal("expected an error with zero enabled providers")
	}
}

func TestChat_BreakerOpenRejectsProvider(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")
	p := newTestPipeline(store, &fakeAdapter{})
	p.Breaker = breaker.New(breaker.Config{ErrorThreshold: 1, TimeWindow: time.Minute, HalfOpenTimeout: time.Hour})
	p.Breaker.RecordFailure("openai")

	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if apierr.As(err).Code != apierr.CodeNoAPIKeysAvailable {
		t.Fatalf("expected CodeNoAPIKeysAvailable, got %v", err)
	}
}

func TestChat_DispatchErrorRecordsFailureAndPropagatesStatus(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")
	p := newTestPipeline(store, &fakeAdapter{err: &dispatchErr{status: 429}})

	_, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	ge := apierr.As(err)
	if ge.Code != apierr.CodeProviderRequestFailed || ge.HTTPStatus() != 429 {
		t.Fatalf("expected a 429 ProviderRequestFailed, got %+v", ge)
	}
	if p.Breaker.StateLabel("openai") != "closed" {
		t.Errorf("single failure under default threshold should not trip the breaker")
	}
}

func TestChat_SyncSuccessReturnsBodyAndAccounts(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")
	store.price = &storage.ModelPrice{PromptPerMillion: 1_000_000, CompPerMillion: 2_000_000}

	resp := &providers.CanonicalResponse{
		ID: "chatcmpl-1", Model: "gpt-4o",
		Choices: []providers.Choice{{Index: 0, Message: providers.Message{Role: "assistant",
			Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: "hi"}}}}}},
		Usage: providers.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}
	p := newTestPipeline(store, &fakeAdapter{syncResp: resp})

	result, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != 200 || result.Stream {
		t.Fatalf("unexpected result: %+v", result)
	}
	var got providers.CanonicalResponse
	if err := json.Unmarshal(result.Body, &got); err != nil {
		t.Fatalf("unexpected error unmarshaling body: %v", err)
	}
	if got.Choices[0].Message.Content.Text() != "hi" {
		t.Errorf("unexpected body: %+v", got)
	}

	tok := store.tokens["tok"]
	if tok.TotalTokensSpent != 5 {
		t.Errorf("expected token usage to be recorded, got %+v", tok)
	}
	if tok.AmountSpent <= 0 {
		t.Errorf("expected a positive amount spent given the seeded price, got %v", tok.AmountSpent)
	}
}

func TestChat_QuotaBreachDisablesTokenAfterAccounting(t *testing.T) {
	store := newFakeStore()
	capTokens := int64(5)
	seedToken(store, "tok", &storage.ClientToken{MaxTokens: &capTokens})
	seedProvider(store, "openai")

	resp := &providers.CanonicalResponse{
		Choices: []providers.Choice{{Index: 0, Message: providers.Message{Role: "assistant"}}},
		Usage:   providers.Usage{TotalTokens: 5},
	}
	p := newTestPipeline(store, &fakeAdapter{syncResp: resp})

	if _, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", false)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.tokens["tok"].Enabled {
		t.Error("expected the token to be disabled once its token cap is reached")
	}
}

func TestChat_StreamSuccessDrivesWriteStream(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")

	events := make(chan providers.CanonicalStreamEvent, 2)
	events <- providers.CanonicalStreamEvent{
		Kind: providers.StreamEventDelta,
		Delta: &providers.CanonicalResponse{Choices: []providers.Choice{{Index: 0, Message: providers.Message{
			Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: "hi"}}}}}}},
		Usage: &providers.Usage{TotalTokens: 4},
	}
	close(events)
	p := newTestPipeline(store, &fakeAdapter{streamCh: events})

	result, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Stream || result.WriteStream == nil {
		t.Fatalf("expected a streaming result with a WriteStream func, got %+v", result)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	result.WriteStream(w, make(chan struct{}))

	if !bytes.Contains(buf.Bytes(), []byte("[DONE]")) {
		t.Errorf("expected the SSE stream to terminate with [DONE], got %q", buf.String())
	}
	if store.tokens["tok"].TotalTokensSpent != 4 {
		t.Errorf("expected streamed usage to be accounted, got %+v", store.tokens["tok"])
	}
}

func TestModelAllowed_TrimsWhitespace(t *testing.T) {
	if !modelAllowed("gpt-4o, gpt-4o-mini", "gpt-4o-mini") {
		t.Error("expected a comma-separated allow list entry with surrounding space to match")
	}
	if modelAllowed("gpt-4o", "claude-3") {
		t.Error("expected an unlisted model to be rejected")
	}
}

func TestChat_DispatchTimeout_ReturnsGatewayTimeout(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")
	p := newTestPipeline(store, &slowAdapter{})

	// A context that's already expired forces dispatchCtx (bounded by
	// min(ctx deadline, ProviderTimeout)) to fire immediately, without
	// waiting out the real 30s provider timeout.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	_, err := p.Chat(ctx, "Bearer tok", reqBody("gpt-4o", false))
	ge := apierr.As(err)
	if ge.Code != apierr.CodeTimeout || ge.HTTPStatus() != 504 {
		t.Fatalf("expected a 504 CodeTimeout error, got %+v", ge)
	}
	if p.Breaker.StateLabel("openai") != "closed" {
		t.Errorf("single timeout under default threshold should not trip the breaker")
	}
}

func TestChat_StreamUpstreamErrorBeforeFirstFrame_WritesSSEErrorAndDone(t *testing.T) {
	store := newFakeStore()
	seedToken(store, "tok", &storage.ClientToken{})
	seedProvider(store, "openai")

	events := make(chan providers.CanonicalStreamEvent, 1)
	events <- providers.CanonicalStreamEvent{Kind: providers.StreamEventError, Err: "rate limit exceeded"}
	close(events)
	p := newTestPipeline(store, &fakeAdapter{streamCh: events})
	p.Breaker = breaker.New(breaker.Config{ErrorThreshold: 5, TimeWindow: time.Minute, HalfOpenTimeout: time.Hour})

	result, err := p.Chat(context.Background(), "Bearer tok", reqBody("gpt-4o", true))
	if err != nil {
		t.Fatalf("expected dispatch to hand off to the stream writer, not return a Go error: %v", err)
	}
	if !result.Stream || result.WriteStream == nil {
		t.Fatalf("expected a streaming result, got %+v", result)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	result.WriteStream(w, make(chan struct{}))

	if !bytes.Contains(buf.Bytes(), []byte("rate limit exceeded")) {
		t.Errorf("expected the SSE body to carry the upstream error reason, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("[DONE]")) {
		t.Errorf("expected the SSE stream to still terminate with [DONE], got %q", buf.String())
	}
	if p.Breaker.StateLabel("openai") != "closed" {
		t.Errorf("single stream failure under the configured threshold should not trip the breaker")
	}
}

func TestIdentityParseUnused(t *testing.T) {
	// sanity: identity.Parse with nil redirects behaves as a passthrough,
	// matching what authorize/selectProviderAndKey rely on above.
	id := identity.Parse("gpt-4o", nil)
	if id.DisplayName != "gpt-4o" {
		t.Errorf("unexpected identity: %+v", id)
	}
}
