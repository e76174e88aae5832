// Package apierr provides the gateway's single tagged error type and its
// deterministic mapping to HTTP status plus a stable JSON envelope.
//
// There is no Box<dyn Error>-style escape hatch here: every handler in this
// repository returns (*T, error) where the error, if non-nil, is either a
// *GatewayError already or gets wrapped into one exactly once at the
// boundary that knows what happened (storage, provider dispatch, auth).
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Code is the tagged variant carried by a GatewayError. The wire code
// (see Code.String) is stable lower_snake_case and is part of the external
// contract — do not rename existing values.
type Code int

const (
	CodeConfig Code = iota
	CodeIO
	CodeDB
	CodeHTTP
	CodeJSON
	CodeTimeParse
	CodeUnauthorized
	CodeForbidden
	CodeNotFound
	CodeNoProvidersAvailable
	CodeNoAPIKeysAvailable
	CodeProviderRequestFailed
	CodeProviderStreamFailed
	CodeQuotaExceeded
	CodeModelNotAllowed
	CodeTimeout
	CodeConflict
)

func (c Code) String() string {
	switch c {
	case CodeConfig:
		return "config"
	case CodeIO:
		return "io"
	case CodeDB:
		return "db"
	case CodeHTTP:
		return "http"
	case CodeJSON:
		return "json"
	case CodeTimeParse:
		return "time_parse"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeForbidden:
		return "forbidden"
	case CodeNotFound:
		return "not_found"
	case CodeNoProvidersAvailable:
		return "no_providers_available"
	case CodeNoAPIKeysAvailable:
		return "no_api_keys_available"
	case CodeProviderRequestFailed:
		return "provider_request_failed"
	case CodeProviderStreamFailed:
		return "provider_stream_failed"
	case CodeQuotaExceeded:
		return "quota_exceeded"
	case CodeModelNotAllowed:
		return "model_not_allowed"
	case CodeTimeout:
		return "timeout"
	case CodeConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the default status for a code. ProviderRequestFailed
// carries its own status (see GatewayError.Status) and falls back to 502
// only when none was recorded.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return fasthttp.StatusUnauthorized
	case CodeForbidden, CodeModelNotAllowed, CodeQuotaExceeded:
		return fasthttp.StatusForbidden
	case CodeNotFound, CodeNoProvidersAvailable:
		return fasthttp.StatusNotFound
	case CodeNoAPIKeysAvailable, CodeConflict:
		return fasthttp.StatusConflict
	case CodeTimeout:
		return fasthttp.StatusGatewayTimeout
	case CodeProviderRequestFailed:
		return fasthttp.StatusBadGateway
	case CodeProviderStreamFailed:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// GatewayError is the single tagged error type propagated through the core.
// Status overrides Code.HTTPStatus() when non-zero (used by
// ProviderRequestFailed, which passes through the upstream status).
type GatewayError struct {
	Code    Code
	Status  int
	Message string
	Detail  string // internal-only, logged but never written to the client body
	cause   error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// HTTPStatus implements providers.StatusCoder.
func (e *GatewayError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Code.HTTPStatus()
}

// New builds a GatewayError with no wrapped cause.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Wrap builds a GatewayError that records an internal cause for logging
// without leaking it into the client-visible message.
func Wrap(code Code, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, cause: cause}
}

// ProviderRequestFailed builds the variant carrying the upstream status and
// a bounded body excerpt (never the full body, per the propagation policy).
func ProviderRequestFailed(status int, message, bodyExcerpt string) *GatewayError {
	const maxExcerpt = 2048
	if len(bodyExcerpt) > maxExcerpt {
		bodyExcerpt = bodyExcerpt[:maxExcerpt]
	}
	return &GatewayError{Code: CodeProviderRequestFailed, Status: status, Message: message, Detail: bodyExcerpt}
}

// ProviderStreamFailed builds the variant for mid-stream upstream failures.
func ProviderStreamFailed(reason string) *GatewayError {
	return &GatewayError{Code: CodeProviderStreamFailed, Message: "stream error: " + reason, Detail: reason}
}

// envelope is the stable {code,message} wire body.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write serializes a GatewayError to the response exactly once, at the
// outer handler boundary.
func Write(ctx *fasthttp.RequestCtx, err *GatewayError) {
	ctx.SetStatusCode(err.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Code: err.Code.String(), Message: err.Message})
	ctx.SetBody(body)
}

// As coerces a plain error into a *GatewayError, wrapping unknown errors as
// an internal Http-tagged failure rather than leaking their text verbatim.
func As(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return Wrap(CodeHTTP, "internal error", err)
}
