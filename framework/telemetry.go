package framework

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventGenerateStart  EventType = "generate_start"
	EventGenerateFinish EventType = "generate_finish"
	EventGenerateError  EventType = "generate_error"
	EventAttempt        EventType = "attempt"
	EventRateLimited    EventType = "rate_limited"
	EventRound          EventType = "round"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventLLMPrompt      EventType = "llm_prompt"
	EventLLMResponse    EventType = "llm_response"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry receives execution traces from the generator and connectors.
// Tests typically swap in an in-memory recorder.
type Telemetry interface {
	Emit(event Event)
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		j.enc = nil
		return err
	}
	return nil
}

// LoggerTelemetry emits events via the standard logger.
type LoggerTelemetry struct {
	Logger *log.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[%s] run=%s meta=%v msg=%s\n", event.Type, event.RunID, event.Metadata, event.Message)
}

// EmitEvent stamps and forwards an event when telemetry is configured.
func EmitEvent(t Telemetry, typ EventType, runID, msg string, meta map[string]interface{}) {
	if t == nil {
		return
	}
	t.Emit(Event{
		Type:      typ,
		RunID:     runID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	})
}

type runIDKey struct{}

// ContextWithRunID tags ctx with the generation run it belongs to, so
// connectors can correlate their events with the generator's.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id stored by ContextWithRunID.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
