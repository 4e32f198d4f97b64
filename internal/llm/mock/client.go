// Package mock provides a scripted llm.Client for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasnoah/coderloop/internal/llm"
)

// Reply is one scripted answer.
type Reply struct {
	Content string
	Err     error
}

// Client returns scripted replies in order. Once the script is exhausted it
// repeats Response/Error.
type Client struct {
	mu sync.Mutex

	Script   []Reply
	Response string
	Error    error
	Delay    time.Duration

	CallCount int
	AllCalls  []Call
}

// Call records one Complete invocation.
type Call struct {
	Messages []llm.Message
	Options  llm.Options
}

func New(replies ...string) *Client {
	c := &Client{}
	for _, r := range replies {
		c.Script = append(c.Script, Reply{Content: r})
	}
	return c
}

func (c *Client) WithResponse(response string) *Client {
	c.Response = response
	return c
}

func (c *Client) WithError(err error) *Client {
	c.Error = err
	return c
}

func (c *Client) WithDelay(delay time.Duration) *Client {
	c.Delay = delay
	return c
}

// Then appends a reply to the script.
func (c *Client) Then(content string, err error) *Client {
	c.Script = append(c.Script, Reply{Content: content, Err: err})
	return c
}

func (c *Client) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	c.mu.Lock()
	idx := c.CallCount
	c.CallCount++
	c.AllCalls = append(c.AllCalls, Call{Messages: append([]llm.Message(nil), messages...), Options: opts})
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.Delay):
		}
	}

	if idx < len(c.Script) {
		r := c.Script[idx]
		if r.Err != nil {
			return "", r.Err
		}
		if r.Content == "" {
			return "", llm.ErrEmptyResponse
		}
		return r.Content, nil
	}
	if c.Error != nil {
		return "", c.Error
	}
	if c.Response == "" {
		return "", fmt.Errorf("mock: script exhausted after %d calls: %w", len(c.Script), llm.ErrEmptyResponse)
	}
	return c.Response, nil
}

// UserMessage returns the last user message of call i.
func (c *Client) UserMessage(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.AllCalls) {
		return ""
	}
	msgs := c.AllCalls[i].Messages
	for j := len(msgs) - 1; j >= 0; j-- {
		if msgs[j].Role == llm.RoleUser {
			return msgs[j].Content
		}
	}
	return ""
}

func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCount = 0
	c.AllCalls = nil
}

var _ llm.Client = (*Client)(nil)
