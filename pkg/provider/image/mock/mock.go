// Package mock provides a configurable image.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
)

// Provider records Generate calls and returns canned results.
type Provider struct {
	mu sync.Mutex

	// GenerateFunc, when set, handles the call entirely.
	GenerateFunc func(ctx context.Context, req image.Request) ([]byte, error)

	// Image and Err are returned when GenerateFunc is nil.
	Image []byte
	Err   error

	calls []image.Request
}

var _ image.Provider = (*Provider)(nil)

func (p *Provider) Generate(ctx context.Context, req image.Request) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.GenerateFunc
	img, err := p.Image, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return img, err
}

// Calls returns a snapshot of recorded requests.
func (p *Provider) Calls() []image.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]image.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
