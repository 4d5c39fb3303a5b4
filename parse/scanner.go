package parse

import (
	"errors"
	"strings"
)

var (
	// ErrParserStuck signals a scanning loop that stopped making progress.
	// It indicates a bug in the parser, never bad input.
	ErrParserStuck = errors.New("parser stuck in infinite loop")
	// ErrInvalidIndentation is returned when a nested list item is indented
	// more than one level deeper than the item before it.
	ErrInvalidIndentation = errors.New("invalid list indentation")
)

const whitespace = " \t\r\n"

// lineScanner walks text one line at a time.
type lineScanner struct {
	rest string
}

func newLineScanner(text string) *lineScanner {
	return &lineScanner{rest: text}
}

func (s *lineScanner) done() bool { return s.rest == "" }

// peek returns the next line without its newline.
func (s *lineScanner) peek() string {
	if idx := strings.IndexByte(s.rest, '\n'); idx >= 0 {
		return s.rest[:idx]
	}
	return s.rest
}

func (s *lineScanner) consume() {
	if idx := strings.IndexByte(s.rest, '\n'); idx >= 0 {
		s.rest = s.rest[idx+1:]
		return
	}
	s.rest = ""
}

// next consumes and returns the next line.
func (s *lineScanner) next() string {
	line := s.peek()
	s.consume()
	return line
}

// progressGuard is checked once per loop iteration and fails when the
// remaining text did not shrink since the previous check.
type progressGuard struct {
	last int
}

func newProgressGuard() *progressGuard {
	return &progressGuard{last: -1}
}

func (g *progressGuard) check(s *lineScanner) error {
	if len(s.rest) == g.last {
		return ErrParserStuck
	}
	g.last = len(s.rest)
	return nil
}

func trim(s string) string {
	return strings.Trim(s, whitespace)
}
