package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lexcodex/promptloop/framework"
)

const openAIProvider = "openai"

// OpenAIConnector talks to any backend exposing the OpenAI chat completions
// API (OpenAI, DeepInfra, vLLM, llama.cpp server, ...).
type OpenAIConnector struct {
	BaseURL string
	Model   string
	APIKey  string
	Debug   bool

	clientOnce sync.Once
	client     *http.Client
}

// ConnectorOption customizes a connector.
type ConnectorOption func(*connectorOptions)

type connectorOptions struct {
	client *http.Client
	cache  *ClientCache
	debug  bool
}

// WithHTTPClient bypasses the client cache.
func WithHTTPClient(client *http.Client) ConnectorOption {
	return func(o *connectorOptions) { o.client = client }
}

// WithClientCache selects the cache the connector draws its client from.
func WithClientCache(cache *ClientCache) ConnectorOption {
	return func(o *connectorOptions) { o.cache = cache }
}

// WithDebug logs truncated request and response payloads.
func WithDebug(enabled bool) ConnectorOption {
	return func(o *connectorOptions) { o.debug = enabled }
}

func buildOptions(opts []ConnectorOption) connectorOptions {
	var o connectorOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o connectorOptions) httpClient(baseURL string) (*http.Client, error) {
	if o.client != nil {
		return o.client, nil
	}
	cache := o.cache
	if cache == nil {
		cache = DefaultClientCache()
	}
	return cache.Client(baseURL)
}

// NewOpenAIConnector builds a connector for baseURL, e.g.
// https://api.openai.com/v1.
func NewOpenAIConnector(baseURL, model, apiKey string, opts ...ConnectorOption) (*OpenAIConnector, error) {
	if model == "" {
		return nil, fmt.Errorf("model required")
	}
	if _, err := NormalizeHost(baseURL); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	client, err := o.httpClient(baseURL)
	if err != nil {
		return nil, err
	}
	return &OpenAIConnector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		Debug:   o.debug,
		client:  client,
	}, nil
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIRequest struct {
	Model            string                   `json:"model"`
	Messages         []openAIMessage          `json:"messages"`
	MaxTokens        *int                     `json:"max_tokens,omitempty"`
	Temperature      *float64                 `json:"temperature,omitempty"`
	TopP             *float64                 `json:"top_p,omitempty"`
	FrequencyPenalty *float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                 `json:"presence_penalty,omitempty"`
	Stop             []string                 `json:"stop,omitempty"`
	Tools            []framework.FunctionTool `json:"tools,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage framework.Usage `json:"usage"`
}

type openAIError struct {
	Detail json.RawMessage `json:"detail"`
	Error  json.RawMessage `json:"error"`
}

// Complete implements framework.Connector.
func (c *OpenAIConnector) Complete(ctx context.Context, req *framework.Request) (*framework.Response, error) {
	payload := openAIRequest{
		Model:            c.Model,
		Messages:         convertMessages(req.History),
		MaxTokens:        req.Config.MaxTokens,
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		FrequencyPenalty: req.Config.FrequencyPenalty,
		PresencePenalty:  req.Config.PresencePenalty,
		Stop:             req.Config.Stop,
		Tools:            convertTools(req.Tools),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint("chat/completions")
	if err != nil {
		return nil, err
	}
	c.logPayload(endpoint, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.getHTTPClient().Do(httpReq)
	if err != nil {
		return nil, &framework.BackendError{Provider: openAIProvider, Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &framework.BackendError{Provider: openAIProvider, StatusCode: resp.StatusCode, Detail: "read response", Err: err}
	}
	c.logResponse(endpoint, resp.StatusCode, responseBody)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &framework.RateLimitError{Provider: openAIProvider, ResetAfter: resetAfter(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &framework.BackendError{
			Provider:   openAIProvider,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(resp.Status, responseBody),
		}
	}
	return decodeOpenAIResponse(responseBody)
}

func (c *OpenAIConnector) endpoint(suffix string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", c.BaseURL, err)
	}
	u.Path = path.Join("/", u.Path, suffix)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// getHTTPClient falls back to a private client for connectors built as
// struct literals.
func (c *OpenAIConnector) getHTTPClient() *http.Client {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = &http.Client{Timeout: defaultClientTimeout}
		}
	})
	return c.client
}

func decodeOpenAIResponse(body []byte) (*framework.Response, error) {
	var raw openAIResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &framework.BackendError{Provider: openAIProvider, StatusCode: http.StatusOK, Detail: "decode response", Err: err}
	}
	if len(raw.Choices) == 0 {
		return nil, &framework.BackendError{Provider: openAIProvider, StatusCode: http.StatusOK, Detail: "response does not contain any choices"}
	}
	choice := raw.Choices[0]
	resp := &framework.Response{
		FinishReason: finishReason(choice.FinishReason),
		Usage:        raw.Usage,
	}
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, framework.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp, nil
}

func finishReason(raw string) framework.FinishReason {
	switch raw {
	case "stop", "":
		return framework.FinishStop
	case "length":
		return framework.FinishLength
	case "tool_calls", "function_call":
		return framework.FinishToolCalls
	case "content_filter":
		return framework.FinishFiltered
	default:
		return framework.FinishOther
	}
}

// resetAfter reads the throttling delay, in seconds, from Retry-After or
// X-RateLimit-Reset. Zero means the backend did not say.
func resetAfter(header http.Header) time.Duration {
	for _, name := range []string{"Retry-After", "X-RateLimit-Reset"} {
		value := strings.TrimSpace(header.Get(name))
		if value == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(value); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	return 0
}

// errorDetail extracts {"detail": ...} or {"error": {"message": ...}} from
// an error body, falling back to the raw body or status line.
func errorDetail(status string, body []byte) string {
	var parsed openAIError
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg := rawMessageText(parsed.Detail); msg != "" {
			return msg
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		if msg := rawMessageText(parsed.Error); msg != "" {
			return msg
		}
	}
	if detail := strings.TrimSpace(string(body)); detail != "" {
		return truncate(detail, 512)
	}
	return status
}

func rawMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if raw[0] == '{' {
		return ""
	}
	return string(raw)
}

func convertMessages(history framework.Chatlog) []openAIMessage {
	out := make([]openAIMessage, 0, len(history))
	for _, entry := range history {
		msg := openAIMessage{
			Role:       string(entry.Role),
			ToolCallID: entry.ToolCallID,
		}
		if entry.Content.IsParts() {
			msg.Content = convertParts(entry.Content.PartList())
		} else {
			msg.Content = entry.Content.String()
		}
		for _, call := range entry.ToolCalls {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: call.Name, Arguments: args},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertParts(parts []framework.Part) []openAIPart {
	out := make([]openAIPart, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case framework.PartText:
			out = append(out, openAIPart{Type: "text", Text: part.Text})
		case framework.PartImageURL:
			out = append(out, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: part.URL}})
		case framework.PartImageBlob:
			dataURL := "data:" + part.MIME + ";base64," + base64.StdEncoding.EncodeToString(part.Data)
			out = append(out, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}})
		}
	}
	return out
}

func convertTools(tools []framework.ToolDescriptor) []framework.FunctionTool {
	if len(tools) == 0 {
		return nil
	}
	res := make([]framework.FunctionTool, 0, len(tools))
	for _, tool := range tools {
		res = append(res, tool.FunctionSchema())
	}
	return res
}

func (c *OpenAIConnector) logPayload(endpoint string, payload []byte) {
	if !c.Debug {
		return
	}
	logf(openAIProvider, "request %s payload: %s", endpoint, truncate(string(payload), 2048))
}

func (c *OpenAIConnector) logResponse(endpoint string, status int, resp []byte) {
	if !c.Debug {
		return
	}
	logf(openAIProvider, "response %s status=%d payload: %s", endpoint, status, truncate(string(resp), 2048))
}

func logf(provider, format string, args ...interface{}) {
	log.Printf("["+provider+"] "+format, args...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
