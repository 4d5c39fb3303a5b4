package framework

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTool is returned when the model requests a tool that is not
	// part of the active toolset.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrRetriesExhausted wraps the last rate-limit error once every attempt
	// has been throttled.
	ErrRetriesExhausted = errors.New("request failed after retries")
	// ErrToolLoopDiverged is returned when the model keeps requesting tools
	// past the round bound.
	ErrToolLoopDiverged = errors.New("tool-calling did not converge")
)

// RateLimitError signals backend throttling. ResetAfter is zero when the
// backend did not say how long to wait.
type RateLimitError struct {
	Provider   string
	ResetAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.ResetAfter > 0 {
		return fmt.Sprintf("%s: rate limited, reset after %s", e.Provider, e.ResetAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// BackendError reports a non-throttling failure from the backend, including
// responses that lack required fields.
type BackendError struct {
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *BackendError) Error() string {
	msg := e.Provider + ": "
	if e.StatusCode != 0 {
		msg += fmt.Sprintf("status %d: ", e.StatusCode)
	}
	msg += e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }

// ArgumentError reports a tool argument that is missing, malformed or of the
// wrong type.
type ArgumentError struct {
	Tool  string
	Param string
	Err   error
}

func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("tool %s: invalid arguments: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s: parameter %s: %v", e.Tool, e.Param, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// TemplateErrorKind classifies prompt rendering failures.
type TemplateErrorKind string

const (
	TemplateUndeclaredVariable TemplateErrorKind = "undeclared_variable"
	TemplateNestedBrace        TemplateErrorKind = "nested_brace"
	TemplateUnmatchedBrace     TemplateErrorKind = "unmatched_brace"
	TemplateTrailingEscape     TemplateErrorKind = "trailing_escape"
	TemplateCyclic             TemplateErrorKind = "cyclic_reference"
)

// TemplateError is returned by PromptTemplate.Render.
type TemplateError struct {
	Kind     TemplateErrorKind
	Variable string
	Message  string
}

func (e *TemplateError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("prompt template: %s: %s", e.Message, e.Variable)
	}
	return "prompt template: " + e.Message
}
