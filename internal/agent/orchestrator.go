package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/chat"
	"homepilot/internal/provider"
	"homepilot/internal/tools"
)

// EventType tags events on a turn's output channel.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one increment of a running turn, forwarded to the client as
// it happens.
type Event struct {
	Type   EventType
	Token  string
	Call   chat.ToolCallRequest
	Result chat.Message
	Usage  *provider.Usage
	Err    error
}

// ModelClient is the provider surface the orchestrator needs.
type ModelClient interface {
	StreamChat(ctx context.Context, msgs []chat.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error)
}

// ToolDispatcher is the registry surface the orchestrator needs.
type ToolDispatcher interface {
	Definitions() []provider.Tool
	Dispatch(ctx context.Context, calls []chat.ToolCallRequest) []chat.Message
}

// DefaultMaxToolRounds bounds the dispatch rounds of one turn.
const DefaultMaxToolRounds = 8

// Orchestrator runs turns: sanitize the log, stream a completion,
// dispatch requested tools, and loop until the model stops calling tools
// or a bound is hit.
type Orchestrator struct {
	client    ModelClient
	registry  ToolDispatcher
	promptFn  func(ctx context.Context) string
	maxRounds int
	logger    *zap.Logger
}

// NewOrchestrator wires the loop. promptFn builds the system prompt for
// each turn and may be nil.
func NewOrchestrator(client ModelClient, registry ToolDispatcher, promptFn func(ctx context.Context) string, maxRounds int, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &Orchestrator{
		client:    client,
		registry:  registry,
		promptFn:  promptFn,
		maxRounds: maxRounds,
		logger:    logger.Named("agent"),
	}
}

// Run starts one turn. The returned channel delivers the turn's events
// and is closed exactly once when the turn ends; the last event is
// EventDone or EventError. A second Run on a busy session fails with
// ErrTurnInProgress without touching the log.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, userText string) (<-chan Event, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	if err := sess.beginTurn(cancel); err != nil {
		cancel()
		return nil, err
	}

	sess.Append(chat.NewUserMessage(userText))

	events := make(chan Event, 64)
	go o.runTurn(turnCtx, cancel, sess, events)
	return events, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, sess *Session, events chan<- Event) {
	defer close(events)
	defer sess.endTurn()
	defer cancel()

	start := time.Now()
	dispatched := 0

	for {
		stream, err := o.client.StreamChat(ctx, o.outgoing(ctx, sess), o.registry.Definitions())
		if err != nil {
			o.fail(ctx, events, fmt.Errorf("provider request: %w", err))
			return
		}

		var content strings.Builder
		var calls []chat.ToolCallRequest
		var usage *provider.Usage
		var streamErr error

		for ev := range stream {
			switch ev.Type {
			case provider.StreamToken:
				// Accumulate only what actually reached the caller, so a
				// cancelled turn never logs text nobody saw.
				if o.emit(ctx, events, Event{Type: EventToken, Token: ev.Token}) {
					content.WriteString(ev.Token)
				}
			case provider.StreamToolCall:
				calls = append(calls, ev.ToolCall)
			case provider.StreamDone:
				usage = ev.Usage
			case provider.StreamError:
				streamErr = ev.Err
			}
		}

		if streamErr != nil {
			// Text already flushed to the client stays in the log so a
			// reconnecting client replays the same history. Unanswered
			// tool calls are discarded; the sanitizer would hold them
			// back anyway.
			if content.Len() > 0 {
				sess.Append(chat.NewAssistantMessage(content.String(), nil))
			}
			o.fail(ctx, events, streamErr)
			return
		}

		sess.Append(chat.NewAssistantMessage(content.String(), calls))

		if len(calls) == 0 {
			o.logger.Debug("turn completed",
				zap.String("session", sess.ID),
				zap.Int("tool_rounds", dispatched),
				zap.Duration("took", time.Since(start)))
			o.emit(ctx, events, Event{Type: EventDone, Usage: usage})
			return
		}

		for _, call := range calls {
			o.emit(ctx, events, Event{Type: EventToolCall, Call: call})
		}

		toolMsgs := o.registry.Dispatch(tools.WithSessionID(ctx, sess.ID), calls)
		for _, tm := range toolMsgs {
			sess.Append(tm)
			o.emit(ctx, events, Event{Type: EventToolResult, Result: tm})
		}

		if err := ctx.Err(); err != nil {
			o.fail(ctx, events, err)
			return
		}

		dispatched++
		if dispatched >= o.maxRounds {
			// The last round's calls are all answered, so the log stays
			// provider-valid for the next turn.
			o.fail(ctx, events, fmt.Errorf("%w (%d rounds)", ErrToolLoopLimit, dispatched))
			return
		}
	}
}

// outgoing builds the provider view of the session: system prompt first,
// then the sanitized log.
func (o *Orchestrator) outgoing(ctx context.Context, sess *Session) []chat.Message {
	clean := chat.Sanitize(sess.Log())
	if o.promptFn == nil {
		return clean
	}
	out := make([]chat.Message, 0, len(clean)+1)
	out = append(out, chat.NewSystemMessage(o.promptFn(ctx)))
	return append(out, clean...)
}

// emit forwards an event unless the turn has been cancelled and the
// client is gone.
// emit reports whether the event was handed to the channel. Once the
// turn context is done nothing more is delivered, even if the channel
// buffer still has room.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail reports the terminal error, best effort when nobody is reading.
func (o *Orchestrator) fail(ctx context.Context, events chan<- Event, err error) {
	o.logger.Warn("turn failed", zap.Error(err))
	select {
	case events <- Event{Type: EventError, Err: err}:
	default:
	}
}
