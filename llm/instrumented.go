package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lexcodex/promptloop/framework"
)

const (
	previewEntries = 20
	previewChars   = 512
	debugChars     = 8192
)

// InstrumentedConnector wraps a Connector and emits telemetry for every
// prompt and response. Debug adds full (clipped) message bodies.
type InstrumentedConnector struct {
	Inner     framework.Connector
	Telemetry framework.Telemetry
	Model     string
	Debug     bool
}

// NewInstrumentedConnector returns inner unchanged when telemetry is nil.
func NewInstrumentedConnector(inner framework.Connector, telemetry framework.Telemetry, model string, debug bool) framework.Connector {
	if telemetry == nil {
		return inner
	}
	return &InstrumentedConnector{Inner: inner, Telemetry: telemetry, Model: model, Debug: debug}
}

// Complete implements framework.Connector.
func (c *InstrumentedConnector) Complete(ctx context.Context, req *framework.Request) (*framework.Response, error) {
	runID := framework.RunIDFrom(ctx)
	framework.EmitEvent(c.Telemetry, framework.EventLLMPrompt, runID, "llm prompt", c.promptMeta(req))
	resp, err := c.Inner.Complete(ctx, req)
	framework.EmitEvent(c.Telemetry, framework.EventLLMResponse, runID, "llm response", c.responseMeta(resp, err))
	return resp, err
}

func (c *InstrumentedConnector) promptMeta(req *framework.Request) map[string]interface{} {
	roles := make([]string, 0, len(req.History))
	preview := make([]map[string]interface{}, 0, min(len(req.History), previewEntries))
	for i, entry := range req.History {
		roles = append(roles, string(entry.Role))
		if i < previewEntries {
			preview = append(preview, entryMeta(entry, previewChars))
		}
	}
	toolNames := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		toolNames = append(toolNames, tool.Name)
	}
	meta := map[string]interface{}{
		"model":            c.Model,
		"message_count":    len(req.History),
		"roles":            roles,
		"messages_preview": preview,
		"tool_count":       len(req.Tools),
		"tool_names":       toolNames,
	}
	if c.Debug {
		full := make([]map[string]interface{}, 0, len(req.History))
		for _, entry := range req.History {
			full = append(full, entryMeta(entry, debugChars))
		}
		meta["messages"] = full
	}
	return meta
}

func (c *InstrumentedConnector) responseMeta(resp *framework.Response, err error) map[string]interface{} {
	meta := map[string]interface{}{"model": c.Model}
	if resp != nil {
		meta["finish_reason"] = string(resp.FinishReason)
		meta["text_preview"] = clip(resp.Content, 1024)
		meta["usage"] = resp.Usage
		if len(resp.ToolCalls) > 0 {
			calls, _ := json.Marshal(resp.ToolCalls)
			meta["tool_calls"] = string(calls)
		}
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	return meta
}

func entryMeta(entry framework.ChatEntry, max int) map[string]interface{} {
	meta := map[string]interface{}{
		"role":    string(entry.Role),
		"content": clip(entry.Content.String(), max),
	}
	if entry.ToolCallID != "" {
		meta["tool_call_id"] = entry.ToolCallID
	}
	return meta
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
