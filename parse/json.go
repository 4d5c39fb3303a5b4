package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// stripFences removes a surrounding ``` fence, with an optional language
// tag from langs, and the whitespace around the body.
func stripFences(reply string, langs ...string) string {
	body := trim(reply)
	if strings.HasPrefix(body, "```") {
		body = body[3:]
		for _, lang := range langs {
			if strings.HasPrefix(body, lang) {
				body = body[len(lang):]
				break
			}
		}
	}
	body = strings.TrimSuffix(body, "```")
	return trim(body)
}

// ParseJSON decodes a reply that may be wrapped in ```json fences.
func ParseJSON(reply string) (interface{}, error) {
	var v interface{}
	if err := ParseJSONInto(reply, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseJSONInto decodes a fenced or bare JSON reply into dst. Trailing data
// after the first value is an error.
func ParseJSONInto(reply string, dst interface{}) error {
	body := stripFences(reply, "json", "JSON")
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parse json reply: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("parse json reply: unexpected data after value")
	}
	return nil
}

// JSONParser adapts ParseJSON to framework.ReplyParser.
type JSONParser struct{}

func (JSONParser) ParseReply(reply string) (interface{}, error) {
	return ParseJSON(reply)
}
