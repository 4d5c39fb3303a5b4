package parse

import (
	"strings"
)

// maxKeyOffset bounds where a "key: value" separator may appear. Longer
// prefixes are read as prose.
const maxKeyOffset = 48

// MarkdownParser reads the loose "key: value" / "key:" + bullet list layout
// models tend to produce. It is not a markdown parser.
//
//	interests:
//	- music
//	- sports
//	Tom likes both.
//
// parses to {"interests": [music, sports], "-": "Tom likes both."}.
type MarkdownParser struct {
	// PlaintextAliases are section names folded into the free-text bucket,
	// e.g. "notes" or "comment". Compared lower-cased.
	PlaintextAliases []string
}

// NewMarkdownParser returns a parser with the given plaintext aliases.
func NewMarkdownParser(aliases ...string) *MarkdownParser {
	return &MarkdownParser{PlaintextAliases: aliases}
}

// Parse converts reply into a Reply.
func (p *MarkdownParser) Parse(reply string) (Reply, error) {
	parsed := Reply{}
	scanner := newLineScanner(reply)
	guard := newProgressGuard()
	for !scanner.done() {
		if err := guard.check(scanner); err != nil {
			return nil, err
		}
		line := trim(scanner.next())
		if line == "" {
			continue
		}

		if strings.HasSuffix(line, ":") {
			key := strings.ToLower(strings.Trim(strings.TrimSuffix(line, ":"), " *_"))
			items, err := parseNestedList(scanner)
			if err != nil {
				return nil, err
			}
			if p.isPlaintextAlias(key) {
				appendPlaintext(parsed, flatten(items)...)
				continue
			}
			parsed[key] = List(items...)
			continue
		}

		if key, value, ok := splitKeyValue(line); ok {
			parsed[strings.ToLower(key)] = Scalar(value)
			continue
		}

		appendPlaintext(parsed, line)
	}
	return parsed, nil
}

// ParseReply implements framework.ReplyParser.
func (p *MarkdownParser) ParseReply(reply string) (interface{}, error) {
	return p.Parse(reply)
}

func (p *MarkdownParser) isPlaintextAlias(key string) bool {
	if key == PlaintextKey {
		return true
	}
	for _, alias := range p.PlaintextAliases {
		if strings.ToLower(alias) == key {
			return true
		}
	}
	return false
}

// splitKeyValue accepts "key: value" when the separator is close to the
// start and the key holds no quote, so `The book "X: Y" is good` stays prose.
func splitKeyValue(line string) (string, string, bool) {
	idx := strings.Index(line, ": ")
	if idx < 0 || idx >= maxKeyOffset {
		return "", "", false
	}
	key := line[:idx]
	if strings.ContainsAny(key, `"'`) {
		return "", "", false
	}
	return key, line[idx+2:], true
}

func appendPlaintext(parsed Reply, lines ...string) {
	for _, line := range lines {
		if existing, ok := parsed[PlaintextKey]; ok {
			parsed[PlaintextKey] = Scalar(existing.Text() + "\n" + line)
			continue
		}
		parsed[PlaintextKey] = Scalar(line)
	}
}

// flatten lists item values depth first.
func flatten(items []ListNode) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.Value)
		out = append(out, flatten(item.Children)...)
	}
	return out
}

// parseNestedList consumes the "- " items following a section header.
// Every two leading spaces make one level. An item may sit at most one level
// below the deepest open item's children; that skipped level gets an empty
// placeholder item. Anything deeper is ErrInvalidIndentation. The section
// ends at the first non-blank line that is not an item.
func parseNestedList(scanner *lineScanner) ([]ListNode, error) {
	var root ListNode
	// path[i] is the index of the open item at depth i.
	var path []int

	guard := newProgressGuard()
	for !scanner.done() {
		if err := guard.check(scanner); err != nil {
			return nil, err
		}
		raw := scanner.peek()
		line := trim(raw)
		if line == "" {
			scanner.consume()
			continue
		}
		if !strings.HasPrefix(line, "- ") {
			break
		}
		level := (len(raw) - len(strings.TrimLeft(raw, " "))) / 2
		if level > len(path)+1 {
			return nil, ErrInvalidIndentation
		}
		if level == len(path)+1 {
			open := nodeAt(&root, path)
			open.Children = append(open.Children, ListNode{})
			path = append(path, len(open.Children)-1)
		} else {
			path = path[:level]
		}

		parent := nodeAt(&root, path)
		parent.Children = append(parent.Children, ListNode{Value: trim(line[2:])})
		path = append(path, len(parent.Children)-1)
		scanner.consume()
	}
	if root.Children == nil {
		return []ListNode{}, nil
	}
	return root.Children, nil
}

func nodeAt(root *ListNode, path []int) *ListNode {
	node := root
	for _, idx := range path {
		node = &node.Children[idx]
	}
	return node
}
