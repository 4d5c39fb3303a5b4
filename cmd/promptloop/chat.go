package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/internal/runtime"
	"github.com/lexcodex/promptloop/llm"
	"github.com/lexcodex/promptloop/persistence"
)

const previewLimit = 240

func newChatCmd() *cobra.Command {
	var (
		sessionID  string
		newSession bool
		system     string
		systemFile string
		vars       []string
		images     []string
		parserName string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the configured backend; without a message, read turns from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newSession {
				if sessionID != "" {
					return errors.New("--session and --new are exclusive")
				}
				sessionID = persistence.NewSessionID()
			}
			if sessionID != "" {
				if err := persistence.ValidateSessionID(sessionID); err != nil {
					return err
				}
			}
			if systemFile != "" {
				text, err := readInput(cmd, systemFile)
				if err != nil {
					return err
				}
				system = text
			}
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			parser, err := replyParser(parserName, nil)
			if err != nil {
				return err
			}

			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			session, err := openChatSession(cmd.Context(), rt, sessionID, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			session.parser = parser
			if system != "" && len(session.history) == 0 {
				rendered, err := framework.NewPromptTemplate(system, values).Render()
				if err != nil {
					return err
				}
				session.history.Append(framework.SystemEntry(rendered))
			}

			if len(args) > 0 {
				entry, err := userEntry(rt.Config.Workspace, strings.Join(args, " "), images)
				if err != nil {
					return err
				}
				return session.turn(cmd.Context(), entry)
			}
			return session.repl(cmd.Context(), cmd.InOrStdin(), images)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to resume and persist")
	cmd.Flags().BoolVar(&newSession, "new", false, "Start and persist a new session")
	cmd.Flags().StringVar(&system, "system", "", "System prompt template (used when the session is empty)")
	cmd.Flags().StringVar(&systemFile, "system-file", "", "Read the system prompt template from a file")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "System prompt variable as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&images, "image", nil, "Image file attached to the first message (repeatable)")
	cmd.Flags().StringVarP(&parserName, "parser", "p", "", "Also print the reply parsed by this parser")
	return cmd
}

// chatSession is one conversation, optionally mirrored into the store.
type chatSession struct {
	id        string
	workspace string
	store     persistence.ChatlogStore
	generator *framework.Generator
	parser    framework.ReplyParser
	history   framework.Chatlog
	persisted int
	out       io.Writer
}

func openChatSession(ctx context.Context, rt *runtime.Runtime, id string, out io.Writer) (*chatSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &chatSession{id: id, workspace: rt.Config.Workspace, store: rt.Store, generator: rt.Generator(), out: out}
	if id == "" {
		return s, nil
	}
	history, err := rt.Store.Load(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrSessionNotFound):
		fmt.Fprintln(out, dimStyle.Render("new session "+id))
	case err != nil:
		return nil, err
	default:
		s.history = history
		s.persisted = len(history)
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("resumed session %s (%d entries)", id, len(history))))
	}
	return s, nil
}

// turn sends one user entry. A failed generation leaves the history as it
// was before the turn.
func (s *chatSession) turn(ctx context.Context, entry framework.ChatEntry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := len(s.history)
	s.history.Append(entry)
	reply, err := s.generator.Generate(ctx, &s.history)
	if err != nil {
		s.history = s.history[:start]
		return err
	}
	s.history.Append(framework.AssistantEntry(reply))
	printEntries(s.out, s.history[start+1:])

	if s.parser != nil {
		parsed, err := s.parser.ParseReply(reply)
		if err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("parse: ")+err.Error())
		} else {
			fmt.Fprintln(s.out, dimStyle.Render("parsed:"))
			_ = printJSONTo(s.out, parsed)
		}
	}

	if s.id == "" {
		return nil
	}
	if err := s.store.Append(ctx, s.id, s.history[s.persisted:]...); err != nil {
		return fmt.Errorf("save session %s: %w", s.id, err)
	}
	s.persisted = len(s.history)
	return nil
}

// repl reads one turn per line until EOF or /exit. Errors are reported and
// the loop continues.
func (s *chatSession) repl(ctx context.Context, in io.Reader, images []string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for {
		fmt.Fprint(s.out, userStyle.Render("you")+"> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/history":
			printEntries(s.out, s.history)
			continue
		}
		entry, err := userEntry(s.workspace, line, images)
		images = nil
		if err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("error: ")+err.Error())
			continue
		}
		if err := s.turn(ctx, entry); err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("error: ")+err.Error())
		}
	}
	fmt.Fprintln(s.out)
	return scanner.Err()
}

// userEntry builds the user message, attaching images resolved against
// workspace.
func userEntry(workspace, text string, images []string) (framework.ChatEntry, error) {
	if len(images) == 0 {
		return framework.UserEntry(text), nil
	}
	fsys := afero.NewOsFs()
	parts := []framework.Part{framework.TextPart(text)}
	for _, path := range images {
		if workspace != "" && !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		part, err := llm.ImagePartFromFile(fsys, path)
		if err != nil {
			return framework.ChatEntry{}, fmt.Errorf("attach %s: %w", path, err)
		}
		parts = append(parts, part)
	}
	return framework.ChatEntry{Role: framework.RoleUser, Content: framework.Parts(parts...)}, nil
}

// printEntries writes a styled transcript of entries.
func printEntries(out io.Writer, entries framework.Chatlog) {
	for _, entry := range entries {
		switch entry.Role {
		case framework.RoleSystem:
			fmt.Fprintln(out, systemStyle.Render("system: "+clipLine(entry.Content.String())))
		case framework.RoleUser:
			fmt.Fprintln(out, userStyle.Render("you")+": "+entry.Content.String())
		case framework.RoleAssistant:
			for _, call := range entry.ToolCalls {
				fmt.Fprintln(out, toolStyle.Render("tool "+call.Name)+" "+dimStyle.Render(clipLine(call.Arguments)))
			}
			if text := entry.Content.String(); text != "" || len(entry.ToolCalls) == 0 {
				fmt.Fprintln(out, assistantStyle.Render("assistant")+": "+text)
			}
		case framework.RoleTool:
			fmt.Fprintln(out, successStyle.Render("result")+" "+dimStyle.Render(clipLine(entry.Content.String())))
		}
	}
}

func clipLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > previewLimit {
		return s[:previewLimit] + "..."
	}
	return s
}
