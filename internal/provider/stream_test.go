package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"homepilot/internal/chat"
)

// sseHandler writes the given SSE data lines and then [DONE].
func sseHandler(lines ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTokens(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
	))

	events, err := c.StreamChat(context.Background(), []chat.Message{chat.NewUserMessage("hi")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	var text strings.Builder
	for _, ev := range got[:len(got)-1] {
		if ev.Type != StreamToken {
			t.Fatalf("unexpected event %+v", ev)
		}
		text.WriteString(ev.Token)
	}
	if text.String() != "Hello" {
		t.Errorf("tokens = %q", text.String())
	}

	last := got[len(got)-1]
	if last.Type != StreamDone || last.FinishReason != "stop" {
		t.Errorf("final event = %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestStreamToolCallAssembly(t *testing.T) {
	// Arguments fragmented across chunks; a second call opens before the
	// first finishes arriving.
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"call_service","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"domain\":\"li"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"type":"function","function":{"name":"tail_log","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ght\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	events, err := c.StreamChat(context.Background(), []chat.Message{chat.NewUserMessage("turn on")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	if len(got) != 3 {
		t.Fatalf("events = %+v", got)
	}
	first, second, done := got[0], got[1], got[2]

	if first.Type != StreamToolCall || first.ToolCall.ID != "call_1" {
		t.Errorf("first = %+v", first)
	}
	if first.ToolCall.Arguments != `{"domain":"light"}` {
		t.Errorf("arguments = %q", first.ToolCall.Arguments)
	}
	if second.Type != StreamToolCall || second.ToolCall.Name != "tail_log" {
		t.Errorf("second = %+v", second)
	}
	// The provider sent no id for the second call.
	if second.ToolCall.ID != "tail_log_1" {
		t.Errorf("synthesized id = %q", second.ToolCall.ID)
	}
	if done.Type != StreamDone || done.FinishReason != "tool_calls" {
		t.Errorf("done = %+v", done)
	}
}

func TestStreamMixedTextAndToolCalls(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"content":"Checking. "}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"get_entity_state","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	events, err := c.StreamChat(context.Background(), []chat.Message{chat.NewUserMessage("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	if got[0].Type != StreamToken || got[0].Token != "Checking. " {
		t.Errorf("token event = %+v", got[0])
	}
	if got[1].Type != StreamToolCall || got[1].ToolCall.ID != "c1" {
		t.Errorf("tool event = %+v", got[1])
	}
	if got[2].Type != StreamDone {
		t.Errorf("done event = %+v", got[2])
	}
}

func TestStreamAPIErrorMidStream(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"content":"par"}}]}`,
		`{"error":{"type":"server_error","message":"backend exploded"}}`,
	))

	events, err := c.StreamChat(context.Background(), []chat.Message{chat.NewUserMessage("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != StreamError {
		t.Fatalf("final event = %+v", last)
	}
	var apiErr *APIError
	if !errors.As(last.Err, &apiErr) || apiErr.Message != "backend exploded" {
		t.Errorf("err = %v", last.Err)
	}
}

func TestStreamHTTPError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))

	events, err := c.StreamChat(context.Background(), []chat.Message{chat.NewUserMessage("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	if len(got) != 1 || got[0].Type != StreamError {
		t.Fatalf("events = %+v", got)
	}
	var apiErr *APIError
	if !errors.As(got[0].Err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v", got[0].Err)
	}
}

func TestStreamCancellation(t *testing.T) {
	started := make(chan struct{})
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		flusher.Flush()
		close(started)
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := c.StreamChat(ctx, []chat.Message{chat.NewUserMessage("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	// The flushed token arrives before we cancel.
	first := <-events
	if first.Type != StreamToken || first.Token != "partial" {
		t.Fatalf("first event = %+v", first)
	}
	cancel()

	got := collect(t, events)
	if len(got) == 0 {
		t.Fatal("no events after cancel")
	}
	last := got[len(got)-1]
	if last.Type != StreamError || !errors.Is(last.Err, context.Canceled) {
		t.Errorf("final event = %+v", last)
	}
}
