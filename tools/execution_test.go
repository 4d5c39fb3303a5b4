package tools

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	requests []CommandRequest
	stdout   string
	stderr   string
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	r.requests = append(r.requests, req)
	return r.stdout, r.stderr, r.err
}

func TestBashToolUsesRunner(t *testing.T) {
	runner := &recordingRunner{stdout: "a.txt\n"}
	tool := BashTool(runner, "/work", CommandPolicy{})

	out, err := tool.Invoke(context.Background(), nil, "ls -1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt\n", out)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, []string{"bash", "-c", "ls -1"}, req.Args)
	assert.Equal(t, "/work", req.Workdir)
	assert.Equal(t, DefaultCommandTimeout, req.Timeout)

	_, err = tool.Invoke(context.Background(), nil, `{"command":"sleep 1","timeout":2.5}`)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, runner.requests[1].Timeout)
}

func TestBashToolReportsFailureInText(t *testing.T) {
	runner := &recordingRunner{stderr: "boom\n", err: errors.New("exit status 2")}
	out, err := BashTool(runner, "", CommandPolicy{}).Invoke(context.Background(), nil, "false")
	require.NoError(t, err)
	assert.Equal(t, "stderr:\nboom\nerror: exit status 2", out)

	runner = &recordingRunner{err: errors.New("executable not found")}
	_, err = BashTool(runner, "", CommandPolicy{}).Invoke(context.Background(), nil, "nope")
	assert.Error(t, err)
}

func TestCommandPolicy(t *testing.T) {
	policy := CommandPolicy{Allow: []string{"ls*", "git status"}, Deny: []string{"ls /root**"}}
	assert.NoError(t, policy.Check("ls -la"))
	assert.NoError(t, policy.Check("  git status "))
	assert.True(t, errors.Is(policy.Check("ls /root/.ssh"), ErrCommandDenied))
	assert.True(t, errors.Is(policy.Check("rm -rf /"), ErrCommandDenied))
	assert.NoError(t, CommandPolicy{}.Check("anything"))

	deny := CommandPolicy{Deny: []string{"rm *", "*sudo *"}}
	assert.True(t, errors.Is(deny.Check("rm -rf /tmp/build"), ErrCommandDenied))
	assert.True(t, errors.Is(deny.Check("cd /srv && sudo make install"), ErrCommandDenied))
	assert.NoError(t, deny.Check("ls /tmp"))

	runner := &recordingRunner{}
	_, err := BashTool(runner, "", policy).Invoke(context.Background(), nil, "rm -rf /")
	assert.True(t, errors.Is(err, ErrCommandDenied))
	assert.Empty(t, runner.requests)
}

func TestLocalCommandRunner(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	out, err := BashTool(nil, t.TempDir(), CommandPolicy{}).Invoke(context.Background(), nil, "echo hello; echo oops 1>&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "hello\nstderr:\noops\nerror: exit status 3", out)

	_, _, err = LocalCommandRunner{}.Run(context.Background(), CommandRequest{})
	assert.Error(t, err)
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "notes.md", true},
		{"*.md", "todo.md", true},
		{"*.md", "notes/todo.md", false},
		{"notes/**/*.txt", "notes/deep/a.txt", true},
		{"notes/**/*.md", "notes/todo.md", true},
		{"**/*.go", "cmd/promptloop/main.go", true},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file/.txt", false},
		{"[a-c].txt", "b.txt", true},
		{"[!a-c].txt", "b.txt", false},
		{"[oops.txt", "[oops.txt", true},
		{"a+b.txt", "a+b.txt", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPath(tc.pattern, tc.name), "%s vs %s", tc.pattern, tc.name)
	}
}

func TestMatchCommand(t *testing.T) {
	cases := []struct {
		pattern, command string
		want             bool
	}{
		{"rm *", "rm -rf /tmp/build", true},
		{"rm *", "rmdir x", false},
		{"ls*", "ls /root/.ssh", true},
		{"git status", "git  status", true},
		{"git status", "git status --short", false},
		{"curl * | sh", "curl https://get.example.com/install | sh", true},
		{"*sudo *", "echo hi && sudo reboot", true},
		{"*", "echo one\necho two", true},
		{"  ", "anything", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchCommand(tc.pattern, tc.command), "%s vs %s", tc.pattern, tc.command)
	}
}
