package framework

import (
	"context"
	"errors"
	"sync"
)

// ReplyParser turns a model reply into structured data.
type ReplyParser interface {
	ParseReply(reply string) (interface{}, error)
}

// Chain keeps a running conversation seeded with a rendered system prompt.
// Every Generate call appends the user input and, on success, the reply.
type Chain struct {
	mu        sync.Mutex
	generator *Generator
	parser    ReplyParser
	history   Chatlog
}

// NewChain renders prompt into the system entry. prompt and parser may be nil.
func NewChain(generator *Generator, prompt *PromptTemplate, parser ReplyParser) (*Chain, error) {
	if generator == nil {
		return nil, errors.New("generator required")
	}
	c := &Chain{generator: generator, parser: parser}
	if prompt != nil {
		system, err := prompt.Render()
		if err != nil {
			return nil, err
		}
		c.history.Append(SystemEntry(system))
	}
	return c, nil
}

// ResumeChain continues an existing conversation.
func ResumeChain(generator *Generator, history Chatlog, parser ReplyParser) (*Chain, error) {
	if generator == nil {
		return nil, errors.New("generator required")
	}
	if err := history.Validate(); err != nil {
		return nil, err
	}
	return &Chain{generator: generator, parser: parser, history: history.Clone()}, nil
}

// Generate sends input and returns the reply text. A failed call leaves the
// user entry and any completed tool rounds in the history.
func (c *Chain) Generate(ctx context.Context, input string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Append(UserEntry(input))
	reply, err := c.generator.Generate(ctx, &c.history)
	if err != nil {
		return "", err
	}
	c.history.Append(AssistantEntry(reply))
	return reply, nil
}

// GenerateParsed is Generate followed by the chain's parser.
func (c *Chain) GenerateParsed(ctx context.Context, input string) (interface{}, error) {
	if c.parser == nil {
		return nil, errors.New("chain has no reply parser")
	}
	reply, err := c.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	return c.parser.ParseReply(reply)
}

// History returns a copy of the conversation so far.
func (c *Chain) History() Chatlog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Clone()
}
