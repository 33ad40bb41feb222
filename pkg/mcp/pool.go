package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cexll/genbridge/pkg/tool"
)

type pooled struct {
	client   *Client
	lastUsed time.Time
}

// Pool keeps one connected client per server spec so sessions created in a
// row share connections. Zero TTL disables expiry.
type Pool struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	dial  func(ctx context.Context, spec string) (*Client, error)
	items map[string]*pooled
}

// NewPool creates a pool dialing with opts.
func NewPool(ttl time.Duration, opts ...Option) *Pool {
	return &Pool{
		ttl: ttl,
		now: time.Now,
		dial: func(ctx context.Context, spec string) (*Client, error) {
			return Dial(ctx, spec, opts...)
		},
		items: make(map[string]*pooled),
	}
}

// Get returns a cached client or dials a new one when missing or expired.
// The boolean reports reuse.
func (p *Pool) Get(ctx context.Context, spec string) (*Client, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item, ok := p.items[spec]; ok {
		if !p.expired(item) {
			item.lastUsed = p.now()
			return item.client, true, nil
		}
		_ = item.client.Close()
		delete(p.items, spec)
	}

	// Pooled connections outlive the request that dialed them.
	client, err := p.dial(context.WithoutCancel(ctx), spec)
	if err != nil {
		return nil, false, err
	}
	p.items[spec] = &pooled{client: client, lastUsed: p.now()}
	return client, false, nil
}

// Tools collects the tools of every server in specs, in order.
func (p *Pool) Tools(ctx context.Context, specs ...string) ([]tool.Tool, error) {
	var out []tool.Tool
	for _, spec := range specs {
		client, _, err := p.Get(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("mcp: %s: %w", spec, err)
		}
		tools, err := client.Tools(ctx)
		if err != nil {
			p.Evict(spec)
			return nil, fmt.Errorf("mcp: %s: %w", spec, err)
		}
		out = append(out, tools...)
	}
	return out, nil
}

// Evict closes and forgets the client for spec, typically after a call
// failed at the transport level.
func (p *Pool) Evict(spec string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[spec]; ok {
		_ = item.client.Close()
		delete(p.items, spec)
	}
}

// CloseIdle closes clients unused for longer than the TTL.
func (p *Pool) CloseIdle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for spec, item := range p.items {
		if !p.expired(item) {
			continue
		}
		errs = append(errs, item.client.Close())
		delete(p.items, spec)
	}
	return errors.Join(errs...)
}

// Close tears down every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for spec, item := range p.items {
		errs = append(errs, item.client.Close())
		delete(p.items, spec)
	}
	return errors.Join(errs...)
}

// Len reports the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pool) expired(item *pooled) bool {
	if p.ttl <= 0 {
		return false
	}
	return item.lastUsed.Add(p.ttl).Before(p.now())
}
