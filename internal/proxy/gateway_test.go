package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRequireAdmin_DisabledWhenTokenEmpty(t *testing.T) {
	g := &Gateway{}
	ctx := &fasthttp.RequestCtx{}
	if !g.requireAdmin(ctx) {
		t.Error("expected requireAdmin to pass when adminToken is unset")
	}
}

func TestRequireAdmin_RejectsMissingHeader(t *testing.T) {
	g := &Gateway{adminToken: "secret"}
	ctx := &fasthttp.RequestCtx{}
	if g.requireAdmin(ctx) {
		t.Error("expected requireAdmin to fail without an Authorization header")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestRequireAdmin_RejectsWrongToken(t *testing.T) {
	g := &Gateway{adminToken: "secret"}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer wrong")
	if g.requireAdmin(ctx) {
		t.Error("expected requireAdmin to fail with a mismatched token")
	}
}

func TestRequireAdmin_AcceptsMatchingToken(t *testing.T) {
	g := &Gateway{adminToken: "secret"}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer secret")
	if !g.requireAdmin(ctx) {
		t.Error("expected requireAdmin to pass with a matching token")
	}
}
