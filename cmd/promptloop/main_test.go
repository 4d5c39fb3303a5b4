package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/internal/runtime"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigHelpers(t *testing.T) {
	data := map[string]interface{}{
		"backend": map[string]interface{}{
			"model": "gpt-4o-mini",
		},
	}
	value, ok := getConfigValue(data, "backend.model")
	require.True(t, ok)
	require.Equal(t, "gpt-4o-mini", value)

	require.NoError(t, setConfigValue(data, "backend.model", "llama3"))
	value, ok = getConfigValue(data, "backend.model")
	require.True(t, ok)
	require.Equal(t, "llama3", value)

	require.NoError(t, setConfigValue(data, "tools.bash.deny", []interface{}{"rm *"}))
	value, ok = getConfigValue(data, "tools.bash.deny")
	require.True(t, ok)
	require.Equal(t, "[rm *]", prettyValue(value))

	require.Error(t, setConfigValue(data, "backend.model.name", "x"))
	require.Error(t, setConfigValue(data, "backend..model", "x"))
	_, ok = getConfigValue(data, "backend.missing")
	require.False(t, ok)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(8), parseValue("8"))
	assert.Equal(t, 0.5, parseValue("0.5"))
	assert.Equal(t, []interface{}{"read_file", "list_dir"}, parseValue("[read_file, list_dir]"))
	assert.Equal(t, "500ms", parseValue("500ms"))
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"name=Tom", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Tom", "expr": "a=b"}, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "", "--workspace", dir, "render", "-t", "Hello {name}!", "--var", "name=Tom")
	require.NoError(t, err)
	assert.Equal(t, "Hello Tom!\n", out)

	out, err = execute(t, "Dear {who} about {topic}", "--workspace", dir, "render", "--list")
	require.NoError(t, err)
	assert.Equal(t, "topic\nwho\n", out)

	_, err = execute(t, "", "--workspace", dir, "render", "-t", "Hello {name}")
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "**interests**:\n- music\n- sports\nTom is nice", "--workspace", dir, "parse")
	require.NoError(t, err)
	assert.JSONEq(t, `{"interests": ["music", "sports"], "-": "Tom is nice"}`, out)

	out, err = execute(t, "- a\n- b", "--workspace", dir, "parse", "-p", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `["a", "b"]`, out)

	_, err = execute(t, "x", "--workspace", dir, "parse", "-p", "json", "--plaintext-alias", "note")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "", "--workspace", dir, "config", "init")
	require.NoError(t, err)
	path := filepath.Join(dir, ".promptloop", "config.yaml")
	assert.Contains(t, out, path)
	_, err = execute(t, "", "--workspace", dir, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "--workspace", dir, "config", "set", "backend.model", "llama3")
	require.NoError(t, err)
	out, err = execute(t, "", "--workspace", dir, "config", "get", "backend.model")
	require.NoError(t, err)
	assert.Equal(t, "llama3\n", out)

	cfg, err := runtime.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "llama3", cfg.Backend.Model)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = execute(t, "", "--workspace", dir, "config", "set", "max_rounds", "plenty")
	assert.Error(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	_, err = execute(t, "", "--workspace", dir, "config", "get", "backend.nothing")
	assert.ErrorContains(t, err, "not found")
}

func TestToolsCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "", "--workspace", dir, "tools")
	require.NoError(t, err)
	for _, name := range []string{"read_file", "list_dir", "search_files", "current_time", "execute_bash"} {
		assert.Contains(t, out, name)
	}

	out, err = execute(t, "", "--workspace", dir, "tools", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "read_file"`)
}

type scriptedConnector struct {
	replies []*framework.Response
	calls   int
}

func (c *scriptedConnector) Complete(ctx context.Context, req *framework.Request) (*framework.Response, error) {
	resp := c.replies[c.calls]
	c.calls++
	return resp, nil
}

func testRuntime(t *testing.T, connector framework.Connector) *runtime.Runtime {
	t.Helper()
	cfg := runtime.DefaultConfig()
	cfg.Workspace = t.TempDir()
	rt, err := runtime.New(context.Background(), cfg, runtime.WithConnector(connector))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestChatSessionPersistsTurns(t *testing.T) {
	connector := &scriptedConnector{replies: []*framework.Response{
		{ToolCalls: []framework.ToolCall{{ID: "c1", Name: "current_time", Arguments: `{"format": "2006"}`}}, FinishReason: framework.FinishToolCalls},
		{Content: "It is a fine year.", FinishReason: framework.FinishStop},
		{Content: "Still fine.", FinishReason: framework.FinishStop},
	}}
	rt := testRuntime(t, connector)
	ctx := context.Background()

	var out bytes.Buffer
	session, err := openChatSession(ctx, rt, "s1", &out)
	require.NoError(t, err)
	session.history.Append(framework.SystemEntry("be brief"))
	require.NoError(t, session.turn(ctx, framework.UserEntry("what year is it?")))
	assert.Contains(t, out.String(), "tool current_time")
	assert.Contains(t, out.String(), "It is a fine year.")

	stored, err := rt.Store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored, 5)
	assert.Equal(t, framework.RoleSystem, stored[0].Role)
	assert.Equal(t, framework.RoleTool, stored[3].Role)
	assert.Equal(t, "It is a fine year.", stored[4].Content.String())

	resumed, err := openChatSession(ctx, rt, "s1", &out)
	require.NoError(t, err)
	assert.Equal(t, 5, resumed.persisted)
	require.NoError(t, resumed.turn(ctx, framework.UserEntry("and now?")))
	stored, err = rt.Store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 7)
}

type failingConnector struct{}

func (failingConnector) Complete(ctx context.Context, req *framework.Request) (*framework.Response, error) {
	return nil, &framework.BackendError{Provider: "test", StatusCode: 500, Detail: "boom"}
}

func TestChatTurnFailureKeepsHistory(t *testing.T) {
	rt := testRuntime(t, failingConnector{})
	ctx := context.Background()
	var out bytes.Buffer
	session, err := openChatSession(ctx, rt, "", &out)
	require.NoError(t, err)
	session.history.Append(framework.SystemEntry("sys"))

	err = session.turn(ctx, framework.UserEntry("hi"))
	require.Error(t, err)
	assert.Len(t, session.history, 1)
}

func TestChatRepl(t *testing.T) {
	connector := &scriptedConnector{replies: []*framework.Response{
		{Content: "hello there", FinishReason: framework.FinishStop},
	}}
	rt := testRuntime(t, connector)
	var out bytes.Buffer
	session, err := openChatSession(context.Background(), rt, "", &out)
	require.NoError(t, err)

	require.NoError(t, session.repl(context.Background(), strings.NewReader("\nhi\n/history\n/exit\nignored\n"), nil))
	assert.Equal(t, 1, connector.calls)
	assert.Equal(t, 2, strings.Count(out.String(), "hello there"))
}

func TestCollectDocuments(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/ws/notes.txt", []byte("meeting notes"), 0o644))

	docs, err := collectDocuments(fsys, "/ws", []string{"notes.txt"}, []string{"inline"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "notes.txt", docs[0].ID)
	assert.Equal(t, "meeting notes", docs[0].Content)
	assert.Equal(t, "text-1", docs[1].ID)

	_, err = collectDocuments(fsys, "/ws", []string{"missing.txt"}, nil)
	assert.Error(t, err)
}

func TestSessionDocuments(t *testing.T) {
	history := framework.Chatlog{
		framework.SystemEntry("sys"),
		framework.UserEntry("question"),
		{Role: framework.RoleAssistant, ToolCalls: []framework.ToolCall{{ID: "c1", Name: "list_dir"}}},
		framework.ToolResultEntry("c1", "a.txt"),
		framework.AssistantEntry("answer"),
	}
	docs := sessionDocuments("s1", history)
	require.Len(t, docs, 2)
	assert.Equal(t, "s1#1", docs[0].ID)
	assert.Equal(t, "s1#4", docs[1].ID)
	assert.Equal(t, "assistant", docs[1].Metadata["role"])
}
