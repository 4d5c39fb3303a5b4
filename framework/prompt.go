package framework

import (
	"fmt"
	"sort"
	"strings"
)

// maxRenderRounds bounds recursive variable expansion.
const maxRenderRounds = 6

// PromptTemplate expands {variable} placeholders. Values may themselves
// contain placeholders; expansion repeats until no placeholder is left.
// A backslash escapes the next character, which is then copied verbatim
// together with the backslash.
type PromptTemplate struct {
	Text      string
	Variables map[string]string
}

// NewPromptTemplate builds a template with optional initial variables.
func NewPromptTemplate(text string, variables map[string]string) *PromptTemplate {
	vars := make(map[string]string, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &PromptTemplate{Text: text, Variables: vars}
}

// SetVariable stores value under name, formatting non-string values with fmt.
func (p *PromptTemplate) SetVariable(name string, value interface{}) {
	if p.Variables == nil {
		p.Variables = make(map[string]string)
	}
	switch v := value.(type) {
	case string:
		p.Variables[name] = v
	case float64:
		p.Variables[name] = fmt.Sprintf("%f", v)
	default:
		p.Variables[name] = fmt.Sprint(v)
	}
}

// Render expands every placeholder.
func (p *PromptTemplate) Render() (string, error) {
	rendered := p.Text
	for round := 0; ; round++ {
		vars, err := ExtractVariables(rendered)
		if err != nil {
			return "", err
		}
		if len(vars) == 0 {
			return rendered, nil
		}
		if round == maxRenderRounds {
			return "", &TemplateError{
				Kind:    TemplateCyclic,
				Message: fmt.Sprintf("variable replacements have not converged after %d rounds", maxRenderRounds),
			}
		}
		for _, name := range vars {
			if _, ok := p.Variables[name]; !ok {
				return "", &TemplateError{Kind: TemplateUndeclaredVariable, Variable: name, Message: "variable not declared"}
			}
		}
		rendered = substitute(rendered, p.Variables)
	}
}

// ExtractVariables returns the sorted, de-duplicated placeholder names in text.
func ExtractVariables(text string) ([]string, error) {
	set := make(map[string]struct{})
	err := scanTemplate(text, func(name string) { set[name] = struct{}{} }, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// substitute replaces placeholders whose names are in vars. Escaped braces
// are never touched. The text must already have passed scanTemplate.
func substitute(text string, vars map[string]string) string {
	var b strings.Builder
	_ = scanTemplate(text, func(name string) {
		b.WriteString(vars[name])
	}, func(literal string) {
		b.WriteString(literal)
	})
	return b.String()
}

// scanTemplate walks text once. onVar receives each complete placeholder,
// onLiteral (optional) receives everything else verbatim, in order.
func scanTemplate(text string, onVar func(string), onLiteral func(string)) error {
	emit := func(s string) {
		if onLiteral != nil && s != "" {
			onLiteral(s)
		}
	}
	var name strings.Builder
	inVar := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\\':
			if i+1 >= len(text) {
				return &TemplateError{Kind: TemplateTrailingEscape, Message: "escape character at end of prompt"}
			}
			if inVar {
				name.WriteByte(ch)
				name.WriteByte(text[i+1])
			} else {
				emit(text[i : i+2])
			}
			i++
		case ch == '{' && !inVar:
			inVar = true
			name.Reset()
		case ch == '}' && inVar:
			inVar = false
			onVar(name.String())
		case ch == '\n' && inVar:
			// A line break abandons the candidate placeholder.
			inVar = false
			emit("{" + name.String() + "\n")
		case ch == '{' && inVar:
			return &TemplateError{Kind: TemplateNestedBrace, Message: "nested curly braces in prompt"}
		case inVar:
			name.WriteByte(ch)
		default:
			emit(text[i : i+1])
		}
	}
	if inVar {
		return &TemplateError{Kind: TemplateUnmatchedBrace, Message: "unmatched curly brace in prompt"}
	}
	return nil
}
