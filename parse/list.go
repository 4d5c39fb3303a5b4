package parse

import "strings"

var bulletPrefixes = []string{"- ", "* ", "+ "}

// ParseList collects every bullet item in reply, ignoring nesting and any
// text around the items.
func ParseList(reply string) ([]string, error) {
	items := []string{}
	scanner := newLineScanner(reply)
	guard := newProgressGuard()
	for !scanner.done() {
		if err := guard.check(scanner); err != nil {
			return nil, err
		}
		line := trim(scanner.next())
		for _, prefix := range bulletPrefixes {
			if strings.HasPrefix(line, prefix) {
				items = append(items, line[len(prefix):])
				break
			}
		}
	}
	return items, nil
}

// ListParser adapts ParseList to framework.ReplyParser.
type ListParser struct{}

func (ListParser) ParseReply(reply string) (interface{}, error) {
	return ParseList(reply)
}
