package framework

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConnector replays one step per call.
type scriptedConnector struct {
	mu       sync.Mutex
	steps    []func(req *Request) (*Response, error)
	requests []*Request
}

func (s *scriptedConnector) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *req
	snapshot.History = req.History.Clone()
	s.requests = append(s.requests, &snapshot)
	if len(s.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(req)
}

func reply(text string) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		return &Response{Content: text, FinishReason: FinishStop}, nil
	}
}

func callTools(calls ...ToolCall) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		return &Response{FinishReason: FinishToolCalls, ToolCalls: calls}, nil
	}
}

func throttle(after time.Duration) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		return nil, &RateLimitError{Provider: "test", ResetAfter: after}
	}
}

type recordingTelemetry struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingTelemetry) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingTelemetry) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestGeneratorToolRoundTrip(t *testing.T) {
	tools, err := NewToolset(echoTool(t))
	require.NoError(t, err)
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		callTools(ToolCall{ID: "call_1", Name: "echo", Arguments: `{"s": "ping"}`}),
		func(req *Request) (*Response, error) {
			last := req.History[len(req.History)-1]
			return &Response{Content: "tool said " + last.Content.String(), FinishReason: FinishStop}, nil
		},
	}}
	telemetry := &recordingTelemetry{}
	gen := NewGenerator(conn, WithTools(tools), WithTelemetry(telemetry))

	history := Chatlog{UserEntry("call echo")}
	out, err := gen.Generate(context.Background(), &history)
	require.NoError(t, err)
	assert.Equal(t, "tool said ping", out)

	var toolEntries []ChatEntry
	for _, entry := range history {
		if entry.Role == RoleTool {
			toolEntries = append(toolEntries, entry)
		}
	}
	require.Len(t, toolEntries, 1)
	assert.Equal(t, "call_1", toolEntries[0].ToolCallID)
	assert.Equal(t, "ping", toolEntries[0].Content.String())
	require.NoError(t, history.Validate())

	require.Len(t, conn.requests, 2)
	require.Len(t, conn.requests[0].Tools, 1)
	assert.Equal(t, "echo", conn.requests[0].Tools[0].Name)
	assert.Equal(t, 1, telemetry.count(EventToolCall))
	assert.Equal(t, 1, telemetry.count(EventGenerateFinish))
}

func TestGeneratorRetriesRateLimits(t *testing.T) {
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		throttle(1200 * time.Millisecond),
		throttle(1200 * time.Millisecond),
		throttle(1200 * time.Millisecond),
		reply("finally"),
	}}
	var delays []time.Duration
	gen := NewGenerator(conn, WithRetryNotify(func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
		var rl *RateLimitError
		assert.True(t, errors.As(err, &rl))
	}))

	history := Chatlog{UserEntry("hi")}
	start := time.Now()
	out, err := gen.Generate(context.Background(), &history)
	require.NoError(t, err)
	assert.Equal(t, "finally", out)
	assert.Len(t, conn.requests, 4)
	assert.Equal(t, []time.Duration{1200 * time.Millisecond, 1200 * time.Millisecond, 1200 * time.Millisecond}, delays)
	assert.GreaterOrEqual(t, time.Since(start), 3600*time.Millisecond)
}

func TestGeneratorRetriesExhausted(t *testing.T) {
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		throttle(0), throttle(0), throttle(0), throttle(0), reply("never"),
	}}
	var delays []time.Duration
	gen := NewGenerator(conn,
		WithDefaultRetryDelay(5*time.Millisecond),
		WithRetryNotify(func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		}),
	)
	history := Chatlog{UserEntry("hi")}
	_, err := gen.Generate(context.Background(), &history)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var rl *RateLimitError
	assert.True(t, errors.As(err, &rl))
	assert.Len(t, conn.requests, 4)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, delays)
}

func TestGeneratorBackendErrorIsNotRetried(t *testing.T) {
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		func(*Request) (*Response, error) {
			return nil, &BackendError{Provider: "test", StatusCode: 500, Detail: "boom"}
		},
		reply("unreachable"),
	}}
	gen := NewGenerator(conn)
	history := Chatlog{UserEntry("hi")}
	_, err := gen.Generate(context.Background(), &history)
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, 500, backendErr.StatusCode)
	assert.Len(t, conn.requests, 1)
}

func TestGeneratorUnknownTool(t *testing.T) {
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		callTools(ToolCall{ID: "c1", Name: "nope", Arguments: `{}`}),
	}}
	gen := NewGenerator(conn)
	history := Chatlog{UserEntry("hi")}
	_, err := gen.Generate(context.Background(), &history)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestGeneratorToolLoopDiverges(t *testing.T) {
	tools, err := NewToolset(echoTool(t))
	require.NoError(t, err)
	conn := ConnectorFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{
			FinishReason: FinishToolCalls,
			ToolCalls:    []ToolCall{{ID: "loop", Name: "echo", Arguments: `{"s": "again"}`}},
		}, nil
	})
	gen := NewGenerator(conn, WithTools(tools), WithMaxRounds(3))
	history := Chatlog{UserEntry("hi")}
	_, err = gen.Generate(context.Background(), &history)
	assert.ErrorIs(t, err, ErrToolLoopDiverged)
	assert.Contains(t, err.Error(), "3 rounds")
	assert.Len(t, history, 1+3*2)
}

func TestGeneratorConcurrentToolsKeepRequestOrder(t *testing.T) {
	var inflight, peak int32
	slow, err := NewTool(ToolDescriptor{
		Name:   "sleep",
		Brief:  "Sleep then echo",
		Params: []ToolParameter{{Name: "ms", Type: ParamNumber, Required: true}},
	}, func(ctx context.Context, history Chatlog, args Args) (string, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Duration(args.Int("ms")) * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return strings.Repeat("z", args.Int("ms")/10), nil
	})
	require.NoError(t, err)
	tools, err := NewToolset(slow)
	require.NoError(t, err)

	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		callTools(
			ToolCall{ID: "a", Name: "sleep", Arguments: `{"ms": 60}`},
			ToolCall{ID: "b", Name: "sleep", Arguments: `{"ms": 10}`},
			ToolCall{ID: "c", Name: "sleep", Arguments: `{"properties": {"ms": 30}}`},
		),
		reply("done"),
	}}
	gen := NewGenerator(conn, WithTools(tools))
	history := Chatlog{UserEntry("go")}
	out, err := gen.Generate(context.Background(), &history)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	require.Len(t, history, 5)
	assert.Equal(t, "a", history[2].ToolCallID)
	assert.Equal(t, "zzzzzz", history[2].Content.String())
	assert.Equal(t, "b", history[3].ToolCallID)
	assert.Equal(t, "c", history[4].ToolCallID)
	assert.Equal(t, "zzz", history[4].Content.String())
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestGeneratorToolFailureAbortsRound(t *testing.T) {
	var cancelled atomic.Bool
	blocker, err := NewTool(ToolDescriptor{Name: "block", Brief: "Wait for cancellation"},
		func(ctx context.Context, history Chatlog, args Args) (string, error) {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		})
	require.NoError(t, err)
	tools, err := NewToolset(blocker, echoTool(t))
	require.NoError(t, err)

	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		callTools(
			ToolCall{ID: "1", Name: "block", Arguments: `{}`},
			ToolCall{ID: "2", Name: "echo", Arguments: `{"wrong": 1}`},
		),
	}}
	gen := NewGenerator(conn, WithTools(tools))
	history := Chatlog{UserEntry("go")}
	_, err = gen.Generate(context.Background(), &history)
	var argErr *ArgumentError
	require.True(t, errors.As(err, &argErr), "got %v", err)
	assert.True(t, cancelled.Load())
	require.Len(t, history, 1)
	for _, entry := range history {
		assert.NotEqual(t, RoleTool, entry.Role)
		assert.Empty(t, entry.ToolCalls)
	}
	assert.NoError(t, history.Validate())
}

func TestGeneratorMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	tools, err := NewToolset(echoTool(t))
	require.NoError(t, err)
	conn := &scriptedConnector{steps: []func(*Request) (*Response, error){
		throttle(time.Millisecond),
		callTools(ToolCall{ID: "x", Name: "echo", Arguments: `{"s": "m"}`}),
		reply("ok"),
	}}
	gen := NewGenerator(conn, WithTools(tools), WithMetrics(registry))
	// a second generator on the same registry reuses the collectors
	_ = NewGenerator(conn, WithMetrics(registry))

	history := Chatlog{UserEntry("hi")}
	_, err = gen.Generate(context.Background(), &history)
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(gen.metrics.rounds))
	assert.Equal(t, 1.0, testutil.ToFloat64(gen.metrics.attempts.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gen.metrics.toolCalls.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gen.metrics.generations.WithLabelValues("ok")))
}

func TestUnwrapArguments(t *testing.T) {
	desc := ToolDescriptor{Name: "t", Params: []ToolParameter{{Name: "x", Type: ParamNumber}}}
	assert.Equal(t, `{"x": 1}`, unwrapArguments(`{"parameters": {"x": 1}}`, desc))
	assert.Equal(t, `{"x": 1, "y": 2}`, unwrapArguments(`{"x": 1, "y": 2}`, desc))
	assert.Equal(t, `not json`, unwrapArguments(`not json`, desc))

	own := ToolDescriptor{Name: "t", Params: []ToolParameter{{Name: "parameters", Type: ParamObject}}}
	assert.Equal(t, `{"parameters": {"x": 1}}`, unwrapArguments(`{"parameters": {"x": 1}}`, own))
}
