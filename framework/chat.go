package framework

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a chat entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartKind tags a content part.
type PartKind string

const (
	PartText      PartKind = "text"
	PartImageURL  PartKind = "image_url"
	PartImageBlob PartKind = "image_blob"
)

// Part is one element of a multi-part message. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Part struct {
	Kind PartKind `json:"type"`
	Text string   `json:"text,omitempty"`
	// URL holds a remote URL or a data URL when Kind is PartImageURL.
	URL string `json:"url,omitempty"`
	// Data and MIME hold raw image bytes when Kind is PartImageBlob.
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ImageURLPart builds an image part referencing a URL or data URL.
func ImageURLPart(url string) Part { return Part{Kind: PartImageURL, URL: url} }

// ImageBlobPart builds an inline image part.
func ImageBlobPart(data []byte, mime string) Part {
	return Part{Kind: PartImageBlob, Data: data, MIME: mime}
}

// Content is either plain text or an ordered list of parts.
type Content struct {
	text  string
	parts []Part
	multi bool
}

// Text builds plain-text content.
func Text(s string) Content { return Content{text: s} }

// Parts builds multi-part content.
func Parts(parts ...Part) Content {
	return Content{parts: append([]Part(nil), parts...), multi: true}
}

// IsParts reports whether the content is a list of parts.
func (c Content) IsParts() bool { return c.multi }

// PartList returns the parts of multi-part content, nil for plain text.
func (c Content) PartList() []Part { return c.parts }

// String returns the plain text, or the text parts joined by newlines.
func (c Content) String() string {
	if !c.multi {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if p.Kind == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MarshalJSON encodes plain text as a JSON string and parts as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.multi {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Text(s)
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a list of parts: %w", err)
	}
	*c = Parts(parts...)
	return nil
}

// ToolCall is an invocation requested by the model. Arguments is the raw,
// JSON-encoded argument string exactly as the backend sent it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatEntry is one conversation turn.
type ChatEntry struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemEntry, UserEntry and AssistantEntry build plain-text entries.
func SystemEntry(text string) ChatEntry { return ChatEntry{Role: RoleSystem, Content: Text(text)} }

func UserEntry(text string) ChatEntry { return ChatEntry{Role: RoleUser, Content: Text(text)} }

func AssistantEntry(text string) ChatEntry { return ChatEntry{Role: RoleAssistant, Content: Text(text)} }

// ToolResultEntry builds the entry answering the tool call with the given id.
func ToolResultEntry(callID, result string) ChatEntry {
	return ChatEntry{Role: RoleTool, Content: Text(result), ToolCallID: callID}
}

// Chatlog is the ordered conversation history exchanged with a backend.
type Chatlog []ChatEntry

// Append adds entries in place.
func (c *Chatlog) Append(entries ...ChatEntry) {
	*c = append(*c, entries...)
}

// Concat returns a new chatlog holding c followed by other.
func (c Chatlog) Concat(other Chatlog) Chatlog {
	res := make(Chatlog, 0, len(c)+len(other))
	res = append(res, c...)
	return append(res, other...)
}

// Clone returns a shallow copy safe to append to.
func (c Chatlog) Clone() Chatlog {
	return append(Chatlog(nil), c...)
}

// Validate checks roles and that every tool entry answers an earlier call.
func (c Chatlog) Validate() error {
	seen := make(map[string]struct{})
	for i, entry := range c {
		if !entry.Role.Valid() {
			return fmt.Errorf("entry %d: unknown role %q", i, entry.Role)
		}
		for _, call := range entry.ToolCalls {
			seen[call.ID] = struct{}{}
		}
		if entry.Role != RoleTool {
			continue
		}
		if entry.ToolCallID == "" {
			return fmt.Errorf("entry %d: tool entry missing tool_call_id", i)
		}
		if _, ok := seen[entry.ToolCallID]; !ok {
			return fmt.Errorf("entry %d: tool_call_id %s does not match any earlier tool call", i, entry.ToolCallID)
		}
	}
	return nil
}

// ErrMultipartTranscript is returned when a transcript is requested for a
// chatlog holding multi-part content.
var ErrMultipartTranscript = errors.New("chatlog entry is not plain text")

// Transcript renders one "role: text" line per entry.
func (c Chatlog) Transcript() (string, error) {
	var b strings.Builder
	for _, entry := range c {
		if entry.Content.IsParts() {
			return "", ErrMultipartTranscript
		}
		b.WriteString(string(entry.Role))
		b.WriteString(": ")
		b.WriteString(entry.Content.String())
		b.WriteString("\n")
	}
	return b.String(), nil
}
