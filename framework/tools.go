package framework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// ParamType is the semantic type tag of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// Valid reports whether t maps onto a JSON type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamArray, ParamObject:
		return true
	}
	return false
}

// ToolParameter describes an argument the tool accepts. Default, when set,
// is used for an optional parameter the model leaves out.
type ToolParameter struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     interface{}
}

// ToolDescriptor is the static metadata of a tool. It doubles as the source
// of the function-calling schema sent to the backend.
type ToolDescriptor struct {
	Name   string
	Brief  string
	Params []ToolParameter
}

// Validate checks that the descriptor can be projected onto a schema.
func (d ToolDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("tool name required")
	}
	seen := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name required", d.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("tool %s: duplicate parameter %s", d.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.Valid() {
			return fmt.Errorf("tool %s: parameter %s: unsupported type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}

// Schema returns the JSON schema of the parameter object. Properties keep
// their declared order.
func (d ToolDescriptor) Schema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	var required []string
	for _, p := range d.Params {
		prop := &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		if p.Default != nil {
			prop.Default = p.Default
		}
		props.Set(p.Name, prop)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// FunctionSpec is the function part of a function-calling declaration.
type FunctionSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// FunctionTool is the vendor-shaped tool declaration.
type FunctionTool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSchema projects the descriptor onto a function-calling declaration.
func (d ToolDescriptor) FunctionSchema() FunctionTool {
	return FunctionTool{
		Type: "function",
		Function: FunctionSpec{
			Name:        d.Name,
			Description: d.Brief,
			Parameters:  d.Schema(),
		},
	}
}

// singleStringParam returns the only required parameter if it is a string
// and no other parameter is required.
func (d ToolDescriptor) singleStringParam() (ToolParameter, bool) {
	var found ToolParameter
	count := 0
	for _, p := range d.Params {
		if p.Required {
			count++
			found = p
		}
	}
	return found, count == 1 && found.Type == ParamString
}

// Args is the decoded argument bag handed to a ToolFunc. Every value has
// already been checked against the declared parameter type.
type Args struct {
	values map[string]interface{}
}

// NewArgs wraps already-decoded values.
func NewArgs(values map[string]interface{}) Args {
	return Args{values: values}
}

// Has reports whether the argument is present.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Value returns the raw decoded value.
func (a Args) Value(name string) (interface{}, bool) {
	v, ok := a.values[name]
	return v, ok
}

func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// StringOr returns the argument or fallback when absent.
func (a Args) StringOr(name, fallback string) string {
	if s, ok := a.values[name].(string); ok {
		return s
	}
	return fallback
}

func (a Args) Number(name string) float64 {
	f, _ := a.values[name].(float64)
	return f
}

// NumberOr returns the argument or fallback when absent.
func (a Args) NumberOr(name string, fallback float64) float64 {
	if f, ok := a.values[name].(float64); ok {
		return f
	}
	return fallback
}

func (a Args) Int(name string) int {
	return int(a.Number(name))
}

func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

// BoolOr returns the argument or fallback when absent.
func (a Args) BoolOr(name string, fallback bool) bool {
	if b, ok := a.values[name].(bool); ok {
		return b
	}
	return fallback
}

func (a Args) Array(name string) []interface{} {
	arr, _ := a.values[name].([]interface{})
	return arr
}

func (a Args) Object(name string) map[string]interface{} {
	obj, _ := a.values[name].(map[string]interface{})
	return obj
}

// Decode re-encodes one argument into dst, for tools that want a typed
// struct or slice.
func (a Args) Decode(name string, dst interface{}) error {
	v, ok := a.values[name]
	if !ok {
		return fmt.Errorf("argument %s not present", name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// ToolFunc performs the work of a tool. history is the conversation the call
// was made from; it never comes from the model's arguments.
type ToolFunc func(ctx context.Context, history Chatlog, args Args) (string, error)

// Tool couples a descriptor with its implementation. Tools are immutable.
type Tool struct {
	desc ToolDescriptor
	fn   ToolFunc
}

// ToolOption customizes NewTool.
type ToolOption func(*toolOptions)

type toolOptions struct {
	arity int
}

// WithArity requires the descriptor to declare exactly n parameters.
func WithArity(n int) ToolOption {
	return func(o *toolOptions) {
		o.arity = n
	}
}

// NewTool validates desc and binds it to fn.
func NewTool(desc ToolDescriptor, fn ToolFunc, opts ...ToolOption) (Tool, error) {
	options := toolOptions{arity: -1}
	for _, opt := range opts {
		opt(&options)
	}
	if fn == nil {
		return Tool{}, fmt.Errorf("tool %s: function required", desc.Name)
	}
	if err := desc.Validate(); err != nil {
		return Tool{}, err
	}
	if options.arity >= 0 && options.arity != len(desc.Params) {
		return Tool{}, fmt.Errorf("tool %s: argument count %d does not match %d documented parameters", desc.Name, options.arity, len(desc.Params))
	}
	params := append([]ToolParameter(nil), desc.Params...)
	desc.Params = params
	return Tool{desc: desc, fn: fn}, nil
}

// MustTool is NewTool for package-level declarations.
func MustTool(desc ToolDescriptor, fn ToolFunc, opts ...ToolOption) Tool {
	tool, err := NewTool(desc, fn, opts...)
	if err != nil {
		panic(err)
	}
	return tool
}

// Name returns the tool name.
func (t Tool) Name() string { return t.desc.Name }

// Describe returns a copy of the descriptor.
func (t Tool) Describe() ToolDescriptor {
	desc := t.desc
	desc.Params = append([]ToolParameter(nil), t.desc.Params...)
	return desc
}

// Invoke decodes raw (a JSON object keyed by parameter name) and calls the
// tool. A bare value is accepted when the tool has exactly one required
// string parameter.
func (t Tool) Invoke(ctx context.Context, history Chatlog, raw string) (string, error) {
	args, err := t.DecodeArgs(raw)
	if err != nil {
		return "", err
	}
	return t.fn(ctx, history, args)
}

// Call runs the tool with an already-built argument bag. Types are not
// re-checked.
func (t Tool) Call(ctx context.Context, history Chatlog, args Args) (string, error) {
	return t.fn(ctx, history, args)
}

// DecodeArgs turns the raw argument string into a checked Args bag.
func (t Tool) DecodeArgs(raw string) (Args, error) {
	trimmed := strings.TrimSpace(raw)
	payload := map[string]interface{}{}
	switch {
	case trimmed == "", trimmed == "null":
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return Args{}, &ArgumentError{Tool: t.desc.Name, Err: fmt.Errorf("malformed JSON: %w", err)}
		}
	default:
		param, ok := t.desc.singleStringParam()
		if !ok {
			return Args{}, &ArgumentError{Tool: t.desc.Name, Err: errors.New("arguments must be a JSON object")}
		}
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			s = trimmed
		}
		payload[param.Name] = s
	}

	values := make(map[string]interface{}, len(t.desc.Params))
	for _, p := range t.desc.Params {
		v, ok := payload[p.Name]
		if !ok || v == nil {
			if p.Required {
				return Args{}, &ArgumentError{Tool: t.desc.Name, Param: p.Name, Err: errors.New("required argument missing")}
			}
			if p.Default != nil {
				values[p.Name] = p.Default
			}
			continue
		}
		if err := checkType(p.Type, v); err != nil {
			return Args{}, &ArgumentError{Tool: t.desc.Name, Param: p.Name, Err: err}
		}
		values[p.Name] = v
	}
	return Args{values: values}, nil
}

func checkType(want ParamType, v interface{}) error {
	var ok bool
	switch want {
	case ParamString:
		_, ok = v.(string)
	case ParamNumber:
		_, ok = v.(float64)
	case ParamBoolean:
		_, ok = v.(bool)
	case ParamArray:
		_, ok = v.([]interface{})
	case ParamObject:
		_, ok = v.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", want, jsonKind(v))
	}
	return nil
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// Toolset is an ordered collection of tools with unique names. A nil
// *Toolset behaves as an empty set.
type Toolset struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]int
}

// NewToolset builds a toolset, failing on duplicate names.
func NewToolset(tools ...Tool) (*Toolset, error) {
	set := &Toolset{index: make(map[string]int)}
	for _, tool := range tools {
		if err := set.Register(tool); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Register appends a tool.
func (s *Toolset) Register(tool Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, exists := s.index[tool.Name()]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name())
	}
	s.index[tool.Name()] = len(s.tools)
	s.tools = append(s.tools, tool)
	return nil
}

// Get fetches a tool by name.
func (s *Toolset) Get(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[name]
	if !ok {
		return Tool{}, false
	}
	return s.tools[idx], true
}

// All returns the tools in registration order.
func (s *Toolset) All() []Tool {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Tool(nil), s.tools...)
}

// Len returns the number of tools.
func (s *Toolset) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tools)
}

// Schemas returns the function-calling declarations of every tool.
func (s *Toolset) Schemas() []FunctionTool {
	tools := s.All()
	res := make([]FunctionTool, 0, len(tools))
	for _, tool := range tools {
		res = append(res, tool.desc.FunctionSchema())
	}
	return res
}

// Summary lists "- name: brief" lines, for prompts that describe the tools
// in plain text.
func (s *Toolset) Summary() string {
	var b strings.Builder
	for _, tool := range s.All() {
		fmt.Fprintf(&b, "- %s: %s\n", tool.desc.Name, tool.desc.Brief)
	}
	return b.String()
}

// Description is Summary with one indented line per parameter.
func (s *Toolset) Description() string {
	var b strings.Builder
	for _, tool := range s.All() {
		fmt.Fprintf(&b, "- %s: %s\n", tool.desc.Name, tool.desc.Brief)
		for _, p := range tool.desc.Params {
			fmt.Fprintf(&b, "  - %s: %s\n", p.Name, p.Description)
		}
	}
	return b.String()
}
