package tools

import (
	"fmt"
	"time"

	"github.com/lexcodex/promptloop/framework"
)

// Options configures the built-in tools.
type Options struct {
	Workspace Workspace
	Runner    CommandRunner
	Policy    CommandPolicy
	// DisableBash leaves execute_bash out of the set.
	DisableBash bool
	Now         func() time.Time
}

// Builtins returns the built-in tools in a stable order.
func Builtins(opts Options) []framework.Tool {
	ws := opts.Workspace
	if ws.Fs == nil {
		ws = NewWorkspace(ws.Root)
	}
	out := []framework.Tool{
		ws.ReadFileTool(),
		ws.ListDirTool(),
		ws.SearchFilesTool(),
		CurrentTimeTool(opts.Now),
	}
	if !opts.DisableBash {
		out = append(out, BashTool(opts.Runner, ws.Root, opts.Policy))
	}
	return out
}

// NewToolset registers the built-ins selected by names, or all of them when
// names is empty.
func NewToolset(opts Options, names ...string) (*framework.Toolset, error) {
	all := Builtins(opts)
	if len(names) == 0 {
		return framework.NewToolset(all...)
	}
	byName := make(map[string]framework.Tool, len(all))
	for _, tool := range all {
		byName[tool.Name()] = tool
	}
	set, _ := framework.NewToolset()
	for _, name := range names {
		tool, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown built-in tool %q", name)
		}
		if err := set.Register(tool); err != nil {
			return nil, err
		}
	}
	return set, nil
}
