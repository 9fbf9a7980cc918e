package resilience

import (
	"context"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
)

// ImageFallback implements [image.Provider] with failover across multiple
// image backends, mirroring [ChatFallback]. Scene illustrations are
// best-effort, so callers usually tolerate ErrAllFailed by skipping the
// image rather than failing the turn.
type ImageFallback struct {
	group *FallbackGroup[image.Provider]
}

// Compile-time interface assertion.
var _ image.Provider = (*ImageFallback)(nil)

// NewImageFallback creates an [ImageFallback] with primary as the preferred
// backend.
func NewImageFallback(primary image.Provider, primaryName string, cfg FallbackConfig) *ImageFallback {
	return &ImageFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional image provider as a fallback.
func (f *ImageFallback) AddFallback(name string, provider image.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate produces an image with the first healthy provider.
func (f *ImageFallback) Generate(ctx context.Context, req image.Request) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p image.Provider) ([]byte, error) {
		return p.Generate(ctx, req)
	})
}
