package parse

import (
	"fmt"
	"sort"

	"github.com/lexcodex/promptloop/framework"
)

var (
	_ framework.ReplyParser = (*MarkdownParser)(nil)
	_ framework.ReplyParser = ListParser{}
	_ framework.ReplyParser = JSONParser{}
	_ framework.ReplyParser = YAMLParser{}
	_ framework.ReplyParser = PlaintextParser{}
)

// ParsePlaintext returns the reply unchanged.
func ParsePlaintext(reply string) string {
	return reply
}

// PlaintextParser adapts ParsePlaintext to framework.ReplyParser.
type PlaintextParser struct{}

func (PlaintextParser) ParseReply(reply string) (interface{}, error) {
	return ParsePlaintext(reply), nil
}

var byName = map[string]func() framework.ReplyParser{
	"markdown":  func() framework.ReplyParser { return NewMarkdownParser() },
	"list":      func() framework.ReplyParser { return ListParser{} },
	"json":      func() framework.ReplyParser { return JSONParser{} },
	"yaml":      func() framework.ReplyParser { return YAMLParser{} },
	"plaintext": func() framework.ReplyParser { return PlaintextParser{} },
}

// ByName returns the parser registered under name.
func ByName(name string) (framework.ReplyParser, error) {
	build, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q (available: %v)", name, Names())
	}
	return build(), nil
}

// Names lists the registered parser names.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
