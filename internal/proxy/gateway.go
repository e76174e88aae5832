// Package proxy wires the chat and models pipelines to fasthttp: parsing
// requests off the wire, writing pipeline results back (including the SSE
// streaming body), and running the background health probes and admin gate
// that sit in front of the pipelines.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aigateway/internal/chatpipeline"
	"github.com/nulpointcorp/aigateway/internal/metrics"
	"github.com/nulpointcorp/aigateway/internal/modelspipeline"
	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// GatewayOptions configures a Gateway at construction time.
type GatewayOptions struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	CORSOrigins []string
	// AdminToken gates GET /models/{provider} and POST|DELETE
	// /models/{provider}/cache. Empty disables the check (development only).
	AdminToken string
}

// Gateway is the thin HTTP-to-pipeline adapter: it owns no business logic
// of its own, only request parsing, response framing, and the cross-cutting
// concerns (CORS, admin gating, metrics, health) that sit in front of the
// chat and models pipelines.
type Gateway struct {
	chat   *chatpipeline.Pipeline
	models *modelspipeline.Pipeline
	health *HealthChecker

	baseCtx     context.Context
	log         *slog.Logger
	metrics     *metrics.Registry
	corsOrigins []string
	adminToken  string
}

// NewGateway builds a Gateway over the chat and models pipelines.
func NewGateway(ctx context.Context, chat *chatpipeline.Pipeline, models *modelspipeline.Pipeline, health *HealthChecker, opts GatewayOptions) *Gateway {
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		chat:        chat,
		models:      models,
		health:      health,
		baseCtx:     ctx,
		log:         log,
		metrics:     opts.Metrics,
		corsOrigins: opts.CORSOrigins,
		adminToken:  opts.AdminToken,
	}
}

// requireAdmin reports whether the request carries the configured admin
// bearer token, writing a 401 and returning false if not. An empty
// g.adminToken disables the check — only acceptable while the external
// admin-auth collaborator (§1) isn't wired in front of this core yet.
func (g *Gateway) requireAdmin(ctx *fasthttp.RequestCtx) bool {
	if g.adminToken == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer "))
	if got == "" || got != g.adminToken {
		apierr.Write(ctx, apierr.New(apierr.CodeUnauthorized, "missing or invalid admin token"))
		return false
	}
	return true
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	bearer := string(ctx.Request.Header.Peek("Authorization"))
	body := append([]byte(nil), ctx.PostBody()...)
	reqBytes := len(body)

	result, err := g.chat.Chat(g.baseCtx, bearer, body)
	if err != nil {
		g.writeErr(ctx, err)
		if g.metrics != nil {
			g.metrics.ObserveHTTP("chat_completions", ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
		}
		return
	}

	if !result.Stream {
		ctx.SetStatusCode(result.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(result.Body)
		if g.metrics != nil {
			g.metrics.ObserveHTTP("chat_completions_sync", result.StatusCode, time.Since(start), reqBytes, len(result.Body))
		}
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	if g.metrics != nil {
		g.metrics.ObserveHTTP("chat_completions_stream", fasthttp.StatusOK, time.Since(start), reqBytes, -1)
	}

	// RequestCtx.Done() closes when the client connection drops mid-request;
	// the stream writer needs this to stop forwarding frames to a dead peer.
	disconnected := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(disconnected)
	}()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()
		result.WriteStream(w, disconnected)
	})
}

func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	entries, err := g.models.ListCached(g.baseCtx)
	if err != nil {
		g.writeErr(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": entries})
}

func (g *Gateway) handleFetchUpstreamModels(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	provider, _ := ctx.UserValue("provider").(string)
	upstream, err := g.models.FetchUpstream(g.baseCtx, provider)
	if err != nil {
		g.writeErr(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": upstream})
}

func (g *Gateway) handleMutateCache(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	provider, _ := ctx.UserValue("provider").(string)

	var req modelspipeline.CacheMutationRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.writeErr(ctx, apierr.New(apierr.CodeJSON, "invalid request body"))
		return
	}

	summary, err := g.models.MutateCache(g.baseCtx, provider, req)
	if err != nil {
		g.writeErr(ctx, err)
		return
	}

	ctx.Response.Header.Set("X-Cache-Added", strconv.Itoa(summary.Added))
	ctx.Response.Header.Set("X-Cache-Updated", strconv.Itoa(summary.Updated))
	ctx.Response.Header.Set("X-Cache-Removed", strconv.Itoa(summary.Removed))
	ctx.Response.Header.Set("X-Cache-Filtered", strconv.Itoa(summary.Filtered))
	writeJSON(ctx, summary)
}

func (g *Gateway) handleRemoveCached(ctx *fasthttp.RequestCtx) {
	if !g.requireAdmin(ctx) {
		return
	}
	provider, _ := ctx.UserValue("provider").(string)

	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		g.writeErr(ctx, apierr.New(apierr.CodeJSON, "invalid request body"))
		return
	}

	removed, missing, err := g.models.RemoveCached(g.baseCtx, provider, body.IDs)
	if err != nil {
		g.writeErr(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"removed": removed, "missing": missing})
}

func (g *Gateway) writeErr(ctx *fasthttp.RequestCtx, err error) {
	apierr.Write(ctx, apierr.As(err))
}
