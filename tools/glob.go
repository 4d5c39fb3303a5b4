package tools

import (
	"path/filepath"
	"regexp"
	"strings"
)

type globMode int

const (
	// pathGlob: "*" and "?" stop at "/", "**" crosses it.
	pathGlob globMode = iota
	// commandGlob: "*" matches any run of characters, slashes and spaces
	// included. Whitespace runs compare equal.
	commandGlob
)

// MatchPath matches a slash-separated name against a glob such as "*.md" or
// "notes/**/*.txt". Character classes ("[a-c]", "[!x]") are supported.
func MatchPath(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	re, err := compileGlob(filepath.ToSlash(pattern), pathGlob)
	if err != nil {
		return false
	}
	return re.MatchString(filepath.ToSlash(name))
}

// MatchCommand matches a shell command line against a policy pattern such
// as "git status" or "rm *". The whole command must match.
func MatchCommand(pattern, command string) bool {
	pattern = collapseSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := compileGlob(pattern, commandGlob)
	if err != nil {
		return false
	}
	return re.MatchString(collapseSpace(command))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func compileGlob(pattern string, mode globMode) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`\A`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch ch {
		case '*':
			switch {
			case mode == commandGlob:
				b.WriteString(`.*`)
			case i+1 < len(runes) && runes[i+1] == '*':
				i++
				// "**/" also matches zero directories.
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					b.WriteString(`(?:.*/)?`)
				} else {
					b.WriteString(`.*`)
				}
			default:
				b.WriteString(`[^/]*`)
			}
		case '?':
			if mode == commandGlob {
				b.WriteString(`.`)
			} else {
				b.WriteString(`[^/]`)
			}
		case '[':
			end := classEnd(runes, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := string(runes[i+1 : end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString(`\z`)
	flags := "(?s)"
	if mode == pathGlob {
		flags = ""
	}
	return regexp.Compile(flags + b.String())
}

// classEnd returns the index of the "]" closing the class opened at start,
// or -1 when the bracket is unterminated.
func classEnd(runes []rune, start int) int {
	i := start + 1
	if i < len(runes) && runes[i] == '!' {
		i++
	}
	// a leading "]" is a literal member
	if i < len(runes) && runes[i] == ']' {
		i++
	}
	for ; i < len(runes); i++ {
		if runes[i] == ']' {
			return i
		}
	}
	return -1
}
