package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// StaticClient answers from a fixed script. It backs local development
// without provider credentials and scripted tests.
type StaticClient struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []CompletionRequest
}

// NewStaticClient returns a client that echoes a generic acknowledgement
// until replies are scripted.
func NewStaticClient(replies ...string) *StaticClient {
	return &StaticClient{replies: replies}
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (c *StaticClient) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// Calls returns the requests received so far.
func (c *StaticClient) Calls() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.calls...)
}

// Name returns the provider name.
func (c *StaticClient) Name() string {
	return string(ProviderStatic)
}

// Models returns available models.
func (c *StaticClient) Models() []string {
	return []string{"static"}
}

func (c *StaticClient) next(req *CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, *req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return "", err
	}
	if len(c.replies) == 0 {
		return "Noted. Both parties should confirm the terms of this section.", nil
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return reply, nil
}

// Complete sends a completion request.
func (c *StaticClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	reply, err := c.next(req)
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{
		Content:    reply,
		Model:      "static",
		TokensOut:  len(strings.Fields(reply)),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream streams the reply word by word.
func (c *StaticClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for i, word := range strings.SplitAfter(resp.Content, " ") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := callback(word, i); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
