package framework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts = 4
	DefaultMaxRounds   = 30
	DefaultRetryDelay  = 500 * time.Millisecond
)

// Generator drives a connector until the model produces a final answer,
// running requested tools in between and retrying throttled requests.
type Generator struct {
	connector    Connector
	tools        *Toolset
	config       GenerationConfig
	maxAttempts  int
	maxRounds    int
	defaultDelay time.Duration
	telemetry    Telemetry
	metrics      *generatorMetrics
	onRetry      func(attempt int, delay time.Duration, err error)
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithTools sets the toolset the model may call.
func WithTools(tools *Toolset) GeneratorOption {
	return func(g *Generator) { g.tools = tools }
}

// WithConfig sets the generation parameters sent with every request.
func WithConfig(cfg GenerationConfig) GeneratorOption {
	return func(g *Generator) { g.config = cfg }
}

// WithMaxAttempts bounds the number of throttled attempts.
func WithMaxAttempts(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithMaxRounds bounds the tool-calling rounds of a single attempt.
func WithMaxRounds(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxRounds = n
		}
	}
}

// WithDefaultRetryDelay sets the wait used when a rate limit carries no
// reset delay.
func WithDefaultRetryDelay(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.defaultDelay = d
		}
	}
}

// WithTelemetry attaches a telemetry sink.
func WithTelemetry(t Telemetry) GeneratorOption {
	return func(g *Generator) { g.telemetry = t }
}

// WithMetrics registers generator metrics on registry.
func WithMetrics(registry *prometheus.Registry) GeneratorOption {
	return func(g *Generator) { g.metrics = newGeneratorMetrics(registry) }
}

// WithRetryNotify installs a callback invoked before each retry sleep.
func WithRetryNotify(fn func(attempt int, delay time.Duration, err error)) GeneratorOption {
	return func(g *Generator) { g.onRetry = fn }
}

// NewGenerator builds a generator around connector.
func NewGenerator(connector Connector, opts ...GeneratorOption) *Generator {
	g := &Generator{
		connector:    connector,
		maxAttempts:  DefaultMaxAttempts,
		maxRounds:    DefaultMaxRounds,
		defaultDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tools returns the configured toolset, possibly nil.
func (g *Generator) Tools() *Toolset { return g.tools }

// Generate runs the conversation in history to completion and returns the
// final assistant text. Tool calls and their results are appended to history
// in place; the final answer is not.
func (g *Generator) Generate(ctx context.Context, history *Chatlog) (string, error) {
	if history == nil {
		return "", errors.New("history required")
	}
	if g.connector == nil {
		return "", errors.New("connector required")
	}
	runID := uuid.NewString()
	ctx = ContextWithRunID(ctx, runID)
	start := time.Now()
	EmitEvent(g.telemetry, EventGenerateStart, runID, "", map[string]interface{}{
		"entries": len(*history),
		"tools":   g.tools.Len(),
	})

	var lastLimit *RateLimitError
	attempt := 0
	operation := func() (string, error) {
		attempt++
		EmitEvent(g.telemetry, EventAttempt, runID, "", map[string]interface{}{"attempt": attempt})
		text, err := g.rounds(ctx, runID, history)
		if err == nil {
			g.metrics.attempt("ok")
			return text, nil
		}
		var rl *RateLimitError
		if errors.As(err, &rl) {
			g.metrics.attempt("rate_limited")
			lastLimit = rl
			delay := rl.ResetAfter
			if delay <= 0 {
				delay = g.defaultDelay
			}
			return "", &backoff.RetryAfterError{Duration: delay}
		}
		g.metrics.attempt("error")
		return "", backoff.Permanent(err)
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(g.maxAttempts)),
		backoff.WithBackOff(backoff.NewConstantBackOff(g.defaultDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			EmitEvent(g.telemetry, EventRateLimited, runID, lastLimit.Error(), map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			})
			if g.onRetry != nil {
				g.onRetry(attempt, delay, lastLimit)
			}
		}),
	)
	err = g.translateRetryError(err, lastLimit)
	g.metrics.generation(start, err)
	if err != nil {
		EmitEvent(g.telemetry, EventGenerateError, runID, err.Error(), map[string]interface{}{"attempts": attempt})
		return "", err
	}
	EmitEvent(g.telemetry, EventGenerateFinish, runID, "", map[string]interface{}{
		"attempts": attempt,
		"duration": time.Since(start).String(),
	})
	return text, nil
}

// translateRetryError maps the retry helper's result back onto our taxonomy.
func (g *Generator) translateRetryError(err error, lastLimit *RateLimitError) error {
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	var retryAfter *backoff.RetryAfterError
	if errors.As(err, &retryAfter) && lastLimit != nil {
		return fmt.Errorf("%w (%d attempts): %w", ErrRetriesExhausted, g.maxAttempts, lastLimit)
	}
	return err
}

// rounds is one attempt: request, run tools, repeat until a final answer.
func (g *Generator) rounds(ctx context.Context, runID string, history *Chatlog) (string, error) {
	descriptors := make([]ToolDescriptor, 0, g.tools.Len())
	for _, tool := range g.tools.All() {
		descriptors = append(descriptors, tool.Describe())
	}
	for round := 0; round < g.maxRounds; round++ {
		g.metrics.round()
		EmitEvent(g.telemetry, EventRound, runID, "", map[string]interface{}{
			"round":   round,
			"entries": len(*history),
		})
		resp, err := g.connector.Complete(ctx, &Request{
			History: *history,
			Config:  g.config,
			Tools:   descriptors,
		})
		if err != nil {
			return "", err
		}
		if resp == nil {
			return "", errors.New("connector returned no response")
		}
		if resp.FinishReason != FinishToolCalls {
			return resp.Content, nil
		}
		if len(resp.ToolCalls) == 0 {
			return "", errors.New("finish reason requests tools but no tool calls were returned")
		}
		// The call entry and its results land together so a failed round
		// never leaves unanswered tool calls in the caller's history.
		call := ChatEntry{
			Role:      RoleAssistant,
			Content:   Text(resp.Content),
			ToolCalls: resp.ToolCalls,
		}
		pending := history.Clone()
		pending.Append(call)
		results, err := g.runTools(ctx, runID, pending, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		history.Append(call)
		history.Append(results...)
	}
	return "", fmt.Errorf("%w within %d rounds", ErrToolLoopDiverged, g.maxRounds)
}

// runTools resolves every call, invokes them concurrently and returns the
// result entries in request order. The first failure cancels the rest.
func (g *Generator) runTools(ctx context.Context, runID string, history Chatlog, calls []ToolCall) ([]ChatEntry, error) {
	tools := make([]Tool, len(calls))
	for i, call := range calls {
		tool, ok := g.tools.Get(call.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		}
		tools[i] = tool
	}

	results := make([]string, len(calls))
	group, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		call := calls[i]
		tool := tools[i]
		group.Go(func() error {
			EmitEvent(g.telemetry, EventToolCall, runID, call.Name, map[string]interface{}{
				"id":        call.ID,
				"arguments": call.Arguments,
			})
			out, err := tool.Invoke(gctx, history, unwrapArguments(call.Arguments, tool.Describe()))
			g.metrics.toolCall(call.Name, err)
			meta := map[string]interface{}{"id": call.ID}
			if err != nil {
				meta["error"] = err.Error()
				EmitEvent(g.telemetry, EventToolResult, runID, call.Name, meta)
				return fmt.Errorf("call %s: %w", call.ID, err)
			}
			meta["bytes"] = len(out)
			EmitEvent(g.telemetry, EventToolResult, runID, call.Name, meta)
			results[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	entries := make([]ChatEntry, len(calls))
	for i, call := range calls {
		entries[i] = ToolResultEntry(call.ID, results[i])
	}
	return entries, nil
}

// unwrapArguments strips one level of {"properties": {...}} or
// {"parameters": {...}} that some models wrap around the real arguments.
// Anything that is not such a wrapper is returned untouched.
func unwrapArguments(raw string, desc ToolDescriptor) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || len(obj) != 1 {
		return raw
	}
	for _, key := range []string{"properties", "parameters"} {
		inner, ok := obj[key]
		if !ok || declaresParam(desc, key) {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err != nil || nested == nil {
			return raw
		}
		return string(inner)
	}
	return raw
}

func declaresParam(desc ToolDescriptor, name string) bool {
	for _, p := range desc.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}
