// Package streaming consumes adapter-normalized canonical stream events and
// either forwards them to a client as SSE frames or folds them into a single
// aggregated response for non-streaming requests — the same consumer serves
// both paths (§4.4: "bytes-stream fallback is removed").
package streaming

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/aigateway/internal/providers"
)

// Outcome summarizes what happened to a streamed (or folded) request, for
// the chat pipeline's accounting and logging step.
type Outcome struct {
	Usage        providers.Usage
	Success      bool
	ErrorMessage string
	// Disconnected is true when the stream ended because the client went
	// away, not because the upstream failed — callers should not count this
	// against a provider's circuit breaker.
	Disconnected bool
}

// WriteSSE forwards each canonical event to w as an SSE frame, tracking the
// last-observed usage object (§4.4: "last `usage` object observed wins").
// It terminates the stream with a `data: [DONE]` frame when the upstream
// ends or fails; on client disconnect it returns at once without writing
// further frames. It always returns an Outcome — never an error —
// since an upstream failure mid-stream is a log-worthy outcome, not a
// caller-facing Go error.
func WriteSSE(w *bufio.Writer, events <-chan providers.CanonicalStreamEvent, disconnected <-chan struct{}) Outcome {
	out := Outcome{Success: true}

	for {
		select {
		case <-disconnected:
			out.Success = false
			out.Disconnected = true
			out.ErrorMessage = "client disconnected"
			return out

		case ev, ok := <-events:
			if !ok {
				writeDone(w)
				return out
			}

			switch ev.Kind {
			case providers.StreamEventDelta:
				if ev.Usage != nil {
					out.Usage = *ev.Usage
				}
				if ev.Delta != nil {
					writeFrame(w, ev.Delta)
				}

			case providers.StreamEventError:
				out.Success = false
				out.ErrorMessage = ev.Err
				writeErrorFrame(w, ev.Err)
				writeDone(w)
				return out

			case providers.StreamEventDone:
				writeDone(w)
				return out
			}
		}
	}
}

func writeFrame(w *bufio.Writer, delta *providers.CanonicalResponse) {
	data, err := json.Marshal(delta)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush()
}

func writeErrorFrame(w *bufio.Writer, reason string) {
	envelope := map[string]any{"error": map[string]string{"message": reason, "type": "stream_error"}}
	data, _ := json.Marshal(envelope)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush()
}

func writeDone(w *bufio.Writer) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
}

// Fold aggregates a canonical event stream into one CanonicalResponse, for
// non-streaming requests served by an adapter that only offers a streaming
// upstream, or for upstreams that unexpectedly responded as
// text/event-stream to a non-streaming request.
//
// Per the resolved open question on tool-calls-in-stream: if any delta
// carries tool_calls, the fold returns the fully accumulated tool-call
// list rather than collapsing it to a string; usage is the last-observed
// aggregate, defaulting to an all-zero (never nil) Usage.
func Fold(events <-chan providers.CanonicalStreamEvent) (*providers.CanonicalResponse, error) {
	agg := &aggregator{byIndex: map[int]*choiceAgg{}}

	for ev := range events {
		switch ev.Kind {
		case providers.StreamEventDelta:
			if ev.Usage != nil {
				agg.usage = *ev.Usage
			}
			if ev.Delta != nil {
				agg.apply(ev.Delta)
			}
		case providers.StreamEventError:
			return nil, fmt.Errorf("stream: %s", ev.Err)
		case providers.StreamEventDone:
			return agg.result(), nil
		}
	}
	return agg.result(), nil
}

type choiceAgg struct {
	role         string
	text         string
	toolCalls    map[int]*providers.ToolCall // by tool-call index within the choice
	toolOrder    []int
	finishReason string
}

type aggregator struct {
	id      string
	object  string
	created int64
	model   string
	usage   providers.Usage
	byIndex map[int]*choiceAgg
	order   []int
}

func (a *aggregator) apply(delta *providers.CanonicalResponse) {
	if delta.ID != "" {
		a.id = delta.ID
	}
	if delta.Model != "" {
		a.model = delta.Model
	}
	if delta.Created != 0 {
		a.created = delta.Created
	}
	a.object = "chat.completion"

	for _, c := range delta.Choices {
		ca, ok := a.byIndex[c.Index]
		if !ok {
			ca = &choiceAgg{toolCalls: map[int]*providers.ToolCall{}}
			a.byIndex[c.Index] = ca
			a.order = append(a.order, c.Index)
		}
		if c.Message.Role != "" {
			ca.role = c.Message.Role
		}
		ca.text += c.Message.Content.Text()
		for i, tc := range c.Message.ToolCalls {
			idx := i
			existing, ok := ca.toolCalls[idx]
			if !ok {
				copy := tc
				ca.toolCalls[idx] = &copy
				ca.toolOrder = append(ca.toolOrder, idx)
			} else {
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
		if c.FinishReason != "" {
			ca.finishReason = c.FinishReason
		}
	}
}

func (a *aggregator) result() *providers.CanonicalResponse {
	resp := &providers.CanonicalResponse{
		ID: a.id, Object: "chat.completion", Created: a.created, Model: a.model, Usage: a.usage,
	}
	for _, idx := range a.order {
		ca := a.byIndex[idx]
		role := ca.role
		if role == "" {
			role = "assistant"
		}
		msg := providers.Message{Role: role, Content: providers.MessageContent{Parts: []providers.ContentPart{{Type: "text", Text: ca.text}}}}
		for _, ti := range ca.toolOrder {
			msg.ToolCalls = append(msg.ToolCalls, *ca.toolCalls[ti])
		}
		resp.Choices = append(resp.Choices, providers.Choice{Index: idx, Message: msg, FinishReason: ca.finishReason})
	}
	return resp
}
