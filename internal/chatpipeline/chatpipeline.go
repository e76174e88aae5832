// Package chatpipeline implements C8: the end-to-end orchestration of
// POST /v1/chat/completions across authorization, model resolution,
// provider+key selection, dispatch, response handling, accounting, and
// logging (§4.5).
package chatpipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/aigateway/internal/balancer"
	"github.com/nulpointcorp/aigateway/internal/breaker"
	"github.com/nulpointcorp/aigateway/internal/identity"
	"github.com/nulpointcorp/aigateway/internal/logger"
	"github.com/nulpointcorp/aigateway/internal/providers"
	"github.com/nulpointcorp/aigateway/internal/storage"
	"github.com/nulpointcorp/aigateway/internal/streaming"
	"github.com/nulpointcorp/aigateway/internal/timeutil"
	"github.com/nulpointcorp/aigateway/internal/vault"
	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// ProviderTimeout bounds a single dispatch attempt, per §5's deadline note.
const ProviderTimeout = providers.ProviderTimeout

// Pipeline holds every collaborator C8 orchestrates.
type Pipeline struct {
	Store     storage.Store
	Balancer  *balancer.Balancer
	Breaker   *breaker.Breaker
	Vault     *vault.Vault
	Redirects identity.Redirects
	Adapters  map[string]providers.ProviderAdapter // keyed by api_type
	Logs      *logger.Logger
}

// Result is what the HTTP layer needs to finish the client response.
type Result struct {
	StatusCode int
	Body       []byte // non-streaming JSON body
	Stream     bool
	// WriteStream, when Stream is true, drives the SSE body once the
	// caller has set up the response headers and obtained a stream writer.
	WriteStream func(w *bufio.Writer, disconnected <-chan struct{})
}

// Chat implements operation chat(request, bearer) from §4.5.
func (p *Pipeline) Chat(ctx context.Context, bearer string, rawBody []byte) (*Result, error) {
	start := time.Now()

	var clientReq clientRequest
	if err := json.Unmarshal(rawBody, &clientReq); err != nil {
		return nil, apierr.New(apierr.CodeJSON, "invalid request body")
	}
	if clientReq.Model == "" {
		return nil, apierr.New(apierr.CodeJSON, "model is required")
	}

	// 1. Authorize.
	token, err := p.authorize(ctx, bearer, clientReq.Model)
	if err != nil {
		return nil, err
	}

	// 2. Resolve model.
	id := identity.Parse(clientReq.Model, p.Redirects)

	// 3. Select provider+key.
	providerName, prov, apiKeyValue, err := p.selectProviderAndKey(ctx, id)
	if err != nil {
		return nil, err
	}

	adapter, ok := p.Adapters[prov.APIType]
	if !ok {
		return nil, apierr.New(apierr.CodeConfig, "no adapter registered for api_type "+prov.APIType)
	}

	plainKey, err := p.Vault.Reveal(providerName, apiKeyValue.Value, apiKeyValue.Enc)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeConfig, "reveal provider key", err)
	}

	canonical := clientReq.toCanonical()
	canonical.Model = id.UpstreamName
	var extra map[string]json.RawMessage
	if json.Unmarshal(rawBody, &extra) == nil {
		for _, k := range []string{"model", "messages", "tools", "tool_choice", "max_tokens", "temperature", "top_p", "stream"} {
			delete(extra, k)
		}
		if len(extra) > 0 {
			canonical.RawExtra = extra
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, ProviderTimeout)
	defer cancel()

	requestType := "chat_completions_sync"
	if canonical.Stream {
		requestType = "chat_completions_stream"
	}

	syncResp, streamCh, dispatchErr := adapter.Dispatch(dispatchCtx, canonical, plainKey)
	if dispatchErr != nil {
		p.Breaker.RecordFailure(providerName)
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			status := apierr.CodeTimeout.HTTPStatus()
			p.logAttempt(ctx, requestType, providerName, plainKey, token, id, start, status, nil, 0, false, dispatchErr.Error())
			return nil, apierr.New(apierr.CodeTimeout, "provider request timed out")
		}
		status := 502
		if coder, ok := dispatchErr.(providers.StatusCoder); ok {
			status = coder.HTTPStatus()
		}
		p.logAttempt(ctx, requestType, providerName, plainKey, token, id, start, status, nil, 0, false, dispatchErr.Error())
		return nil, apierr.ProviderRequestFailed(status, dispatchErr.Error(), "")
	}

	if streamCh != nil {
		return &Result{
			Stream: true,
			WriteStream: func(w *bufio.Writer, disconnected <-chan struct{}) {
				outcome := streaming.WriteSSE(w, streamCh, disconnected)

				status := 200
				errMsg := outcome.ErrorMessage
				switch {
				case outcome.Success:
					p.Breaker.RecordSuccess(providerName)
				case outcome.Disconnected:
					status = 499
					errMsg = apierr.ProviderStreamFailed(outcome.ErrorMessage).Error()
				default:
					p.Breaker.RecordFailure(providerName)
					status = 502
					errMsg = apierr.ProviderStreamFailed(outcome.ErrorMessage).Error()
				}

				amount := p.account(ctx, token, outcome.Usage, providerName, id)
				p.logAttempt(ctx, requestType, providerName, plainKey, token, id, start, status, &outcome.Usage, amount, outcome.Success, errMsg)
			},
		}, nil
	}
	p.Breaker.RecordSuccess(providerName)

	// Non-streaming: the adapter already folded any upstream SSE internally,
	// or returned a single JSON response.
	amount := p.account(ctx, token, syncResp.Usage, providerName, id)
	body, err := json.Marshal(syncResp)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeJSON, "marshal response", err)
	}
	p.logAttempt(ctx, requestType, providerName, plainKey, token, id, start, 200, &syncResp.Usage, amount, true, "")

	return &Result{StatusCode: 200, Body: body}, nil
}

// clientRequest is the subset of the incoming JSON body the pipeline reads
// directly; everything else is preserved as passthrough via RawExtra.
type clientRequest struct {
	Model       string            `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Tools       json.RawMessage   `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

func (c clientRequest) toCanonical() *providers.CanonicalRequest {
	return &providers.CanonicalRequest{
		Model:       c.Model,
		Messages:    c.Messages,
		Tools:       c.Tools,
		ToolChoice:  c.ToolChoice,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		Stream:      c.Stream,
	}
}

func (p *Pipeline) authorize(ctx context.Context, bearer, requestedModel string) (*storage.ClientToken, error) {
	bearer = strings.TrimPrefix(bearer, "Bearer ")
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, apierr.New(apierr.CodeUnauthorized, "missing bearer token")
	}

	token, err := p.Store.GetTokenBySecret(ctx, bearer)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "lookup client token", err)
	}
	if token == nil {
		return nil, apierr.New(apierr.CodeUnauthorized, "invalid client token")
	}
	if !token.Enabled {
		return nil, apierr.New(apierr.CodeForbidden, "client token disabled")
	}
	if token.ExpiresAt != nil {
		expiry, err := timeutil.ParseBeijing(*token.ExpiresAt)
		if err == nil && time.Now().UTC().After(expiry) {
			return nil, apierr.New(apierr.CodeForbidden, "client token expired")
		}
	}

	id := identity.Parse(requestedModel, p.Redirects)
	if token.AllowedModels != "" && !modelAllowed(token.AllowedModels, id.DisplayName) {
		return nil, apierr.New(apierr.CodeModelNotAllowed, "model not allowed for this token")
	}

	if token.MaxAmount != nil && token.AmountSpent >= *token.MaxAmount {
		return nil, apierr.New(apierr.CodeQuotaExceeded, "spend cap reached")
	}
	if token.MaxTokens != nil && token.TotalTokensSpent >= *token.MaxTokens {
		return nil, apierr.New(apierr.CodeQuotaExceeded, "token cap reached")
	}

	return token, nil
}

func modelAllowed(allowList, displayName string) bool {
	for _, m := range strings.Split(allowList, ",") {
		if strings.TrimSpace(m) == displayName {
			return true
		}
	}
	return false
}

func (p *Pipeline) selectProviderAndKey(ctx context.Context, id identity.Identity) (string, *storage.Provider, *storage.ProviderKey, error) {
	var candidates []string
	if id.Provider != "" {
		prov, err := p.Store.GetProvider(ctx, id.Provider)
		if err != nil {
			return "", nil, nil, apierr.Wrap(apierr.CodeDB, "lookup provider", err)
		}
		if prov == nil || !prov.Enabled {
			return "", nil, nil, apierr.New(apierr.CodeNotFound, "provider not found: "+id.Provider)
		}
		candidates = []string{prov.Name}
	} else {
		enabled, err := p.Store.ListEnabledProviders(ctx)
		if err != nil {
			return "", nil, nil, apierr.Wrap(apierr.CodeDB, "list providers", err)
		}
		for _, pr := range enabled {
			candidates = append(candidates, pr.Name)
		}
	}

	providerName, err := p.Balancer.SelectProvider(candidates)
	if err != nil {
		return "", nil, nil, err
	}

	if !p.Breaker.Allow(providerName) {
		return "", nil, nil, apierr.New(apierr.CodeNoAPIKeysAvailable, "provider temporarily unavailable: "+providerName)
	}

	prov, err := p.Store.GetProvider(ctx, providerName)
	if err != nil {
		return "", nil, nil, apierr.Wrap(apierr.CodeDB, "lookup provider", err)
	}
	if prov == nil {
		return "", nil, nil, apierr.New(apierr.CodeNotFound, "provider not found: "+providerName)
	}

	keys, err := p.Store.ListActiveKeys(ctx, providerName)
	if err != nil {
		return "", nil, nil, apierr.Wrap(apierr.CodeDB, "list provider keys", err)
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = k.Value
	}
	chosenValue, err := p.Balancer.SelectKey(providerName, values)
	if err != nil {
		return "", nil, nil, err
	}
	for _, k := range keys {
		if k.Value == chosenValue {
			return providerName, prov, &k, nil
		}
	}
	return "", nil, nil, apierr.New(apierr.CodeNoAPIKeysAvailable, "selected key vanished")
}

func (p *Pipeline) account(ctx context.Context, token *storage.ClientToken, usage providers.Usage, providerName string, id identity.Identity) float64 {
	var amount float64
	price, err := p.Store.GetPrice(ctx, providerName, id.UpstreamName)
	if err == nil && price != nil {
		amount = float64(usage.PromptTokens)*price.PromptPerMillion/1e6 + float64(usage.CompletionTokens)*price.CompPerMillion/1e6
	}

	updated, err := p.Store.RecordTokenUsage(ctx, token.ID, amount, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil || updated == nil {
		return amount
	}

	capBreached := (updated.MaxAmount != nil && updated.AmountSpent >= *updated.MaxAmount) ||
		(updated.MaxTokens != nil && updated.TotalTokensSpent >= *updated.MaxTokens)
	if capBreached {
		_ = p.Store.SetTokenEnabled(ctx, token.ID, false)
	}
	return amount
}

func (p *Pipeline) logAttempt(
	ctx context.Context,
	requestType, providerName, plainKey string,
	token *storage.ClientToken,
	id identity.Identity,
	start time.Time,
	status int,
	usage *providers.Usage,
	amount float64,
	success bool,
	errMsg string,
) {
	row := storage.RequestLog{
		Timestamp:      timeutil.FormatBeijing(timeutil.Now()),
		Method:         "POST",
		Path:           "/v1/chat/completions",
		RequestType:    requestType,
		Model:          id.DisplayName,
		Provider:       providerName,
		APIKey:         p.Vault.Present(plainKey),
		ClientToken:    token.ID,
		StatusCode:     status,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		AmountSpent:    &amount,
		ErrorMessage:   errMsg,
		Success:        success,
		DedupKey:       uuid.New().String(),
	}
	if usage != nil {
		p2, c2, t2 := usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
		row.PromptTokens, row.CompletionTokens, row.TotalTokens = &p2, &c2, &t2
		if usage.PromptTokensDetails != nil {
			row.CachedTokens = usage.PromptTokensDetails.CachedTokens
		}
		if usage.CompletionTokensDetails != nil {
			row.ReasoningTokens = usage.CompletionTokensDetails.ReasoningTokens
		}
	}

	if p.Logs != nil {
		p.Logs.Log(row)
	}
}
