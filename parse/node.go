package parse

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PlaintextKey collects every line that is neither a key/value pair nor a
// list section.
const PlaintextKey = "-"

// ListNode is one list item; deeper-indented items become its children.
type ListNode struct {
	Value    string     `json:"value"`
	Children []ListNode `json:"children,omitempty"`
}

// Item builds a ListNode.
func Item(value string, children ...ListNode) ListNode {
	return ListNode{Value: value, Children: children}
}

// ToMap converts the subtree into nested objects. A node with children maps
// its value (minus a trailing colon) to the merged objects of its children;
// a leaf must read "key: value" and yields {key: value}, with fully numeric
// values converted to numbers.
func (n ListNode) ToMap() (map[string]interface{}, error) {
	if len(n.Children) > 0 {
		merged := make(map[string]interface{})
		for _, child := range n.Children {
			m, err := child.ToMap()
			if err != nil {
				return nil, err
			}
			for k, v := range m {
				merged[k] = v
			}
		}
		return map[string]interface{}{strings.TrimSuffix(n.Value, ":"): merged}, nil
	}
	key, val, ok := strings.Cut(n.Value, ": ")
	if !ok {
		return nil, fmt.Errorf("list item %q has no value", n.Value)
	}
	return map[string]interface{}{key: scalarValue(val)}, nil
}

// JSONValue is the lenient form of ToMap used for encoding: leaves without a
// "key: value" shape stay strings, and children that cannot be merged into
// one object stay a list.
func (n ListNode) JSONValue() interface{} {
	if len(n.Children) == 0 {
		if m, err := n.ToMap(); err == nil {
			return m
		}
		return n.Value
	}
	if m, err := n.ToMap(); err == nil {
		return m
	}
	children := make([]interface{}, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.JSONValue())
	}
	return map[string]interface{}{strings.TrimSuffix(n.Value, ":"): children}
}

func scalarValue(val string) interface{} {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return val
	}
	return f
}

// Node is a parsed value: a scalar string or a list of ListNodes.
type Node struct {
	text   string
	items  []ListNode
	isList bool
}

// Scalar builds a scalar node.
func Scalar(s string) Node { return Node{text: s} }

// List builds a list node.
func List(items ...ListNode) Node {
	if items == nil {
		items = []ListNode{}
	}
	return Node{items: items, isList: true}
}

func (n Node) IsList() bool { return n.isList }

// Text returns the scalar value, empty for lists.
func (n Node) Text() string { return n.text }

// Items returns the list entries, nil for scalars.
func (n Node) Items() []ListNode { return n.items }

// JSON converts the node into JSON-compatible values.
func (n Node) JSON() interface{} {
	if !n.isList {
		return n.text
	}
	out := make([]interface{}, 0, len(n.items))
	for _, item := range n.items {
		out = append(out, item.JSONValue())
	}
	return out
}

// MarshalJSON encodes the JSON form.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.JSON())
}

// Reply maps lower-cased keys to parsed nodes. Free text lives under
// PlaintextKey.
type Reply map[string]Node

// Plaintext returns the accumulated free text.
func (r Reply) Plaintext() string {
	return r[PlaintextKey].Text()
}

// JSON converts the whole reply into JSON-compatible values.
func (r Reply) JSON() map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		out[k] = v.JSON()
	}
	return out
}
