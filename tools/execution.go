package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lexcodex/promptloop/framework"
)

// DefaultCommandTimeout bounds a single execute_bash call.
const DefaultCommandTimeout = 60 * time.Second

// ErrCommandDenied is returned when a command matches a deny pattern or no
// allow pattern.
var ErrCommandDenied = errors.New("command blocked by policy")

// CommandRequest describes one process launch.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
	Input   string
	Timeout time.Duration
}

// CommandRunner executes commands.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (stdout string, stderr string, err error)
}

// LocalCommandRunner runs commands on the host.
type LocalCommandRunner struct{}

// Run implements CommandRunner.
func (LocalCommandRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	if len(req.Args) == 0 {
		return "", "", fmt.Errorf("command empty")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timed out after %s", req.Timeout)
	}
	return stdout.String(), stderr.String(), err
}

// CommandPolicy filters shell commands. Deny patterns win; when Allow is
// non-empty a command must match one of them.
type CommandPolicy struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Check returns ErrCommandDenied when command is not permitted.
func (p CommandPolicy) Check(command string) error {
	command = strings.TrimSpace(command)
	for _, pattern := range p.Deny {
		if pattern = strings.TrimSpace(pattern); MatchCommand(pattern, command) {
			return fmt.Errorf("%w: matches %q", ErrCommandDenied, pattern)
		}
	}
	if len(p.Allow) == 0 {
		return nil
	}
	for _, pattern := range p.Allow {
		if MatchCommand(pattern, command) {
			return nil
		}
	}
	return fmt.Errorf("%w: not in allow list", ErrCommandDenied)
}

var bashDescriptor = framework.ToolDescriptor{
	Name:  "execute_bash",
	Brief: "Run a bash command and return its output.",
	Params: []framework.ToolParameter{
		{Name: "command", Type: framework.ParamString, Required: true, Description: "The command line passed to bash -c."},
		{Name: "timeout", Type: framework.ParamNumber, Description: "Timeout in seconds.", Default: DefaultCommandTimeout.Seconds()},
	},
}

// BashTool builds execute_bash. A non-zero exit is reported in the result
// text; only policy violations and launch failures are errors.
func BashTool(runner CommandRunner, workdir string, policy CommandPolicy) framework.Tool {
	if runner == nil {
		runner = LocalCommandRunner{}
	}
	return framework.MustTool(bashDescriptor, func(ctx context.Context, _ framework.Chatlog, args framework.Args) (string, error) {
		command := args.String("command")
		if strings.TrimSpace(command) == "" {
			return "", fmt.Errorf("command empty")
		}
		if err := policy.Check(command); err != nil {
			return "", err
		}
		timeout := time.Duration(args.NumberOr("timeout", DefaultCommandTimeout.Seconds()) * float64(time.Second))
		stdout, stderr, err := runner.Run(ctx, CommandRequest{
			Workdir: workdir,
			Args:    []string{"bash", "-c", command},
			Timeout: timeout,
		})
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && stdout == "" && stderr == "" {
			return "", fmt.Errorf("run %q: %w", command, err)
		}
		return formatCommandOutput(stdout, stderr, err), nil
	})
}

func formatCommandOutput(stdout, stderr string, err error) string {
	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	}
	if err != nil {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString("error: " + err.Error())
	}
	return b.String()
}
