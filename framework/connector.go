package framework

import "context"

// FinishReason reports why the backend stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishFiltered  FinishReason = "content_filter"
	FinishOther     FinishReason = "other"
)

// Request is a single generation request.
type Request struct {
	History Chatlog
	Config  GenerationConfig
	Tools   []ToolDescriptor
}

// Usage holds token accounting when the backend reports it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the parsed reply to a Request. Content is empty when the
// backend omitted it.
type Response struct {
	Content      string
	FinishReason FinishReason
	ToolCalls    []ToolCall
	Usage        Usage
}

// Connector issues one request against a model backend and parses one
// response. Implementations return *RateLimitError when throttled and
// *BackendError for any other backend failure.
type Connector interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, req *Request) (*Response, error)

// Complete calls f.
func (f ConnectorFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
