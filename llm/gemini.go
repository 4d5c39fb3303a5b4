package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/lexcodex/promptloop/framework"
)

const geminiProvider = "gemini"

// GeminiConnector talks to the Gemini API through the genai SDK.
type GeminiConnector struct {
	Model  string
	Debug  bool
	client *genai.Client
}

// NewGeminiConnector builds a connector. baseURL may be empty to use the
// SDK default endpoint.
func NewGeminiConnector(ctx context.Context, baseURL, model, apiKey string, opts ...ConnectorOption) (*GeminiConnector, error) {
	if model == "" {
		return nil, fmt.Errorf("model required")
	}
	o := buildOptions(opts)
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		if _, err := NormalizeHost(baseURL); err != nil {
			return nil, err
		}
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}
	client, err := o.httpClient(firstNonEmpty(baseURL, "https://generativelanguage.googleapis.com"))
	if err != nil {
		return nil, err
	}
	cfg.HTTPClient = client
	sdk, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiConnector{Model: model, Debug: o.debug, client: sdk}, nil
}

// Complete implements framework.Connector.
func (c *GeminiConnector) Complete(ctx context.Context, req *framework.Request) (*framework.Response, error) {
	contents, system, err := toGeminiContents(req.History)
	if err != nil {
		return nil, err
	}
	cfg := toGeminiConfig(req.Config, req.Tools)
	cfg.SystemInstruction = system
	if c.Debug {
		payload, _ := json.Marshal(contents)
		logf(geminiProvider, "request model=%s contents: %s", c.Model, truncate(string(payload), 2048))
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.Model, contents, cfg)
	if err != nil {
		return nil, mapGeminiError(err)
	}
	if c.Debug {
		payload, _ := json.Marshal(resp)
		logf(geminiProvider, "response model=%s payload: %s", c.Model, truncate(string(payload), 2048))
	}
	return fromGeminiResponse(resp)
}

// toGeminiContents splits history into the system instruction and the
// user/model turns. Tool results become function responses named after the
// call they answer.
func toGeminiContents(history framework.Chatlog) ([]*genai.Content, *genai.Content, error) {
	var system *genai.Content
	callNames := make(map[string]string)
	contents := make([]*genai.Content, 0, len(history))
	for i, entry := range history {
		switch entry.Role {
		case framework.RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, geminiParts(entry.Content)...)
		case framework.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: geminiParts(entry.Content)})
		case framework.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if text := entry.Content.String(); text != "" || entry.Content.IsParts() {
				content.Parts = geminiParts(entry.Content)
			}
			for _, call := range entry.ToolCalls {
				callNames[call.ID] = call.Name
				args := map[string]any{}
				if strings.TrimSpace(call.Arguments) != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, nil, fmt.Errorf("entry %d: tool call %s arguments: %w", i, call.ID, err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
				})
			}
			contents = append(contents, content)
		case framework.RoleTool:
			name, ok := callNames[entry.ToolCallID]
			if !ok {
				return nil, nil, fmt.Errorf("entry %d: tool result %s answers no earlier call", i, entry.ToolCallID)
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       entry.ToolCallID,
				Name:     name,
				Response: map[string]any{"output": entry.Content.String()},
			}}
			// consecutive tool results travel in one user turn
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		default:
			return nil, nil, fmt.Errorf("entry %d: unknown role %q", i, entry.Role)
		}
	}
	return contents, system, nil
}

func isFunctionResponse(content *genai.Content) bool {
	for _, part := range content.Parts {
		if part.FunctionResponse == nil {
			return false
		}
	}
	return len(content.Parts) > 0
}

func geminiParts(content framework.Content) []*genai.Part {
	if !content.IsParts() {
		return []*genai.Part{{Text: content.String()}}
	}
	parts := make([]*genai.Part, 0, len(content.PartList()))
	for _, part := range content.PartList() {
		switch part.Kind {
		case framework.PartText:
			parts = append(parts, &genai.Part{Text: part.Text})
		case framework.PartImageBlob:
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: part.MIME, Data: part.Data}})
		case framework.PartImageURL:
			if mime, data, err := DecodeDataURL(part.URL); err == nil {
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}})
				continue
			}
			parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: part.URL}})
		}
	}
	return parts
}

func toGeminiConfig(cfg framework.GenerationConfig, tools []framework.ToolDescriptor) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{StopSequences: cfg.Stop}
	if cfg.MaxTokens != nil {
		out.MaxOutputTokens = int32(*cfg.MaxTokens)
	}
	out.Temperature = float32Ptr(cfg.Temperature)
	out.TopP = float32Ptr(cfg.TopP)
	out.FrequencyPenalty = float32Ptr(cfg.FrequencyPenalty)
	out.PresencePenalty = float32Ptr(cfg.PresencePenalty)
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, tool := range tools {
			decls = append(decls, geminiDeclaration(tool))
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return out
}

func float32Ptr(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

var geminiTypes = map[framework.ParamType]genai.Type{
	framework.ParamString:  genai.TypeString,
	framework.ParamNumber:  genai.TypeNumber,
	framework.ParamBoolean: genai.TypeBoolean,
	framework.ParamArray:   genai.TypeArray,
	framework.ParamObject:  genai.TypeObject,
}

func geminiDeclaration(desc framework.ToolDescriptor) *genai.FunctionDeclaration {
	decl := &genai.FunctionDeclaration{Name: desc.Name, Description: desc.Brief}
	if len(desc.Params) == 0 {
		return decl
	}
	schema := &genai.Schema{Type: genai.TypeObject, Properties: make(map[string]*genai.Schema, len(desc.Params))}
	for _, p := range desc.Params {
		prop := &genai.Schema{Type: geminiTypes[p.Type], Description: p.Description}
		if p.Type == framework.ParamArray {
			prop.Items = &genai.Schema{Type: genai.TypeString}
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	decl.Parameters = schema
	return decl
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*framework.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, &framework.BackendError{Provider: geminiProvider, Detail: "response does not contain any candidates"}
	}
	cand := resp.Candidates[0]
	out := &framework.Response{FinishReason: geminiFinishReason(cand.FinishReason)}
	if cand.Content != nil {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				callArgs := part.FunctionCall.Args
				if callArgs == nil {
					callArgs = map[string]any{}
				}
				args, err := json.Marshal(callArgs)
				if err != nil {
					return nil, &framework.BackendError{Provider: geminiProvider, Detail: "encode function call arguments", Err: err}
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				out.ToolCalls = append(out.ToolCalls, framework.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
				continue
			}
			if !part.Thought {
				text.WriteString(part.Text)
			}
		}
		out.Content = text.String()
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = framework.FinishToolCalls
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = framework.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return out, nil
}

func geminiFinishReason(reason genai.FinishReason) framework.FinishReason {
	switch reason {
	case genai.FinishReasonStop, "":
		return framework.FinishStop
	case genai.FinishReasonMaxTokens:
		return framework.FinishLength
	case genai.FinishReasonSafety:
		return framework.FinishFiltered
	default:
		return framework.FinishOther
	}
}

// mapGeminiError turns SDK errors into the framework taxonomy. A 429 reads
// its delay from the RetryInfo detail when the backend sends one.
func mapGeminiError(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return &framework.BackendError{Provider: geminiProvider, Detail: "request failed", Err: err}
	}
	if apiErr.Code == http.StatusTooManyRequests {
		return &framework.RateLimitError{Provider: geminiProvider, ResetAfter: retryDelay(apiErr.Details)}
	}
	detail := apiErr.Message
	if detail == "" {
		detail = apiErr.Status
	}
	return &framework.BackendError{Provider: geminiProvider, StatusCode: apiErr.Code, Detail: detail}
}

func retryDelay(details []map[string]any) time.Duration {
	for _, detail := range details {
		if t, _ := detail["@type"].(string); !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
