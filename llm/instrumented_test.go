package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/promptloop/framework"
)

type captureTelemetry struct {
	mu     sync.Mutex
	events []framework.Event
}

func (c *captureTelemetry) Emit(event framework.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestInstrumentedConnectorEmits(t *testing.T) {
	sink := &captureTelemetry{}
	inner := framework.ConnectorFunc(func(ctx context.Context, req *framework.Request) (*framework.Response, error) {
		return &framework.Response{Content: "hi", FinishReason: framework.FinishStop}, nil
	})
	conn := NewInstrumentedConnector(inner, sink, "m1", true)

	ctx := framework.ContextWithRunID(context.Background(), "run-7")
	resp, err := conn.Complete(ctx, &framework.Request{
		History: framework.Chatlog{framework.SystemEntry("sys"), framework.UserEntry("hello")},
		Tools:   []framework.ToolDescriptor{echoDescriptor()},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	require.Len(t, sink.events, 2)
	prompt, reply := sink.events[0], sink.events[1]
	assert.Equal(t, framework.EventLLMPrompt, prompt.Type)
	assert.Equal(t, "run-7", prompt.RunID)
	assert.Equal(t, []string{"system", "user"}, prompt.Metadata["roles"])
	assert.Equal(t, []string{"echo"}, prompt.Metadata["tool_names"])
	assert.Contains(t, prompt.Metadata, "messages")

	assert.Equal(t, framework.EventLLMResponse, reply.Type)
	assert.Equal(t, "stop", reply.Metadata["finish_reason"])
	assert.Equal(t, "hi", reply.Metadata["text_preview"])
}

func TestInstrumentedConnectorRecordsErrors(t *testing.T) {
	sink := &captureTelemetry{}
	boom := errors.New("boom")
	conn := NewInstrumentedConnector(framework.ConnectorFunc(func(ctx context.Context, req *framework.Request) (*framework.Response, error) {
		return nil, boom
	}), sink, "m1", false)

	_, err := conn.Complete(context.Background(), &framework.Request{})
	assert.ErrorIs(t, err, boom)
	require.Len(t, sink.events, 2)
	assert.NotContains(t, sink.events[0].Metadata, "messages")
	assert.Equal(t, "boom", sink.events[1].Metadata["error"])
}

func TestNewInstrumentedConnectorWithoutTelemetry(t *testing.T) {
	inner := framework.ConnectorFunc(func(ctx context.Context, req *framework.Request) (*framework.Response, error) {
		return &framework.Response{}, nil
	})
	_, wrapped := NewInstrumentedConnector(inner, nil, "m", false).(*InstrumentedConnector)
	assert.False(t, wrapped)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "a\nb", clip("a\r\nb", 10))
	assert.Equal(t, "abc...(truncated)", clip("abcdef", 3))
	assert.Equal(t, "", clip("abc", 0))
}
