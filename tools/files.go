package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/lexcodex/promptloop/framework"
)

const defaultReadLimit = 64 * 1024

var (
	errBinaryFile  = errors.New("binary file detected")
	errOutsideRoot = errors.New("path escapes workspace")
)

// Workspace scopes file tools to Root on Fs.
type Workspace struct {
	Fs   afero.Fs
	Root string
}

// NewWorkspace returns a workspace on the host filesystem.
func NewWorkspace(root string) Workspace {
	return Workspace{Fs: afero.NewOsFs(), Root: root}
}

// resolve joins path onto Root and rejects results outside it.
func (w Workspace) resolve(path string) (string, error) {
	if w.Root == "" {
		return filepath.Clean(path), nil
	}
	root := filepath.Clean(w.Root)
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(root, path)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return full, nil
}

func (w Workspace) display(path string) string {
	if w.Root == "" {
		return path
	}
	if rel, err := filepath.Rel(filepath.Clean(w.Root), path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

var readFileDescriptor = framework.ToolDescriptor{
	Name:  "read_file",
	Brief: "Read a UTF-8 text file.",
	Params: []framework.ToolParameter{
		{Name: "path", Type: framework.ParamString, Required: true, Description: "File path relative to the workspace."},
		{Name: "max_bytes", Type: framework.ParamNumber, Description: "Truncate the content after this many bytes.", Default: float64(defaultReadLimit)},
	},
}

// ReadFileTool builds read_file.
func (w Workspace) ReadFileTool() framework.Tool {
	return framework.MustTool(readFileDescriptor, func(ctx context.Context, _ framework.Chatlog, args framework.Args) (string, error) {
		path, err := w.resolve(args.String("path"))
		if err != nil {
			return "", err
		}
		data, err := afero.ReadFile(w.Fs, path)
		if err != nil {
			return "", err
		}
		if !isText(data) {
			return "", fmt.Errorf("%s: %w", args.String("path"), errBinaryFile)
		}
		if limit := args.Int("max_bytes"); limit > 0 && len(data) > limit {
			return string(data[:limit]) + "\n...(truncated)", nil
		}
		return string(data), nil
	})
}

var listDirDescriptor = framework.ToolDescriptor{
	Name:  "list_dir",
	Brief: "List files in a directory.",
	Params: []framework.ToolParameter{
		{Name: "directory", Type: framework.ParamString, Description: "Directory relative to the workspace.", Default: "."},
		{Name: "pattern", Type: framework.ParamString, Description: "Glob matched against file names, or against the path below directory when it contains a slash.", Default: "*"},
		{Name: "recursive", Type: framework.ParamBoolean, Description: "Descend into subdirectories.", Default: false},
	},
}

// ListDirTool builds list_dir. Directories are listed with a trailing slash.
func (w Workspace) ListDirTool() framework.Tool {
	return framework.MustTool(listDirDescriptor, func(ctx context.Context, _ framework.Chatlog, args framework.Args) (string, error) {
		dir, err := w.resolve(args.String("directory"))
		if err != nil {
			return "", err
		}
		pattern := args.String("pattern")
		recursive := args.Bool("recursive")
		matches := func(path string, info fs.FileInfo) bool {
			if !strings.Contains(pattern, "/") {
				return MatchPath(pattern, info.Name())
			}
			rel, err := filepath.Rel(dir, path)
			return err == nil && MatchPath(pattern, rel)
		}
		var entries []string
		err = afero.Walk(w.Fs, dir, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if path == dir {
				return nil
			}
			if info.IsDir() {
				if strings.HasPrefix(info.Name(), ".git") {
					return filepath.SkipDir
				}
				if matches(path, info) {
					entries = append(entries, w.display(path)+"/")
				}
				if !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if matches(path, info) {
				entries = append(entries, w.display(path))
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		sort.Strings(entries)
		return strings.Join(entries, "\n"), nil
	})
}

var searchFilesDescriptor = framework.ToolDescriptor{
	Name:  "search_files",
	Brief: "Search text files for a case-insensitive substring.",
	Params: []framework.ToolParameter{
		{Name: "pattern", Type: framework.ParamString, Required: true, Description: "Text to look for."},
		{Name: "directory", Type: framework.ParamString, Description: "Directory relative to the workspace.", Default: "."},
	},
}

// SearchFilesTool builds search_files. Matches are reported as
// file:line: text.
func (w Workspace) SearchFilesTool() framework.Tool {
	return framework.MustTool(searchFilesDescriptor, func(ctx context.Context, _ framework.Chatlog, args framework.Args) (string, error) {
		root, err := w.resolve(args.String("directory"))
		if err != nil {
			return "", err
		}
		pattern := strings.ToLower(args.String("pattern"))
		var matches []string
		err = afero.Walk(w.Fs, root, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if info.IsDir() {
				if strings.HasPrefix(info.Name(), ".git") {
					return filepath.SkipDir
				}
				return nil
			}
			file, err := w.Fs.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()
			scanner := bufio.NewScanner(file)
			line := 1
			for scanner.Scan() {
				text := scanner.Text()
				if strings.Contains(text, "\x00") {
					return nil
				}
				if strings.Contains(strings.ToLower(text), pattern) {
					matches = append(matches, fmt.Sprintf("%s:%d: %s", w.display(path), line, text))
				}
				line++
			}
			return scanner.Err()
		})
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "no matches", nil
		}
		return strings.Join(matches, "\n"), nil
	})
}

func isText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}
