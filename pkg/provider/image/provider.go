// Package image defines the Provider interface for scene-illustration
// backends. Implementations typically follow an async submit-then-poll
// pattern: the generation request returns an operation id which is polled
// until the rendered image is available.
package image

import "context"

// Request describes a single image generation.
type Request struct {
	// Prompt is the full text prompt describing the desired image.
	Prompt string

	// Width and Height express the desired output size. Backends that only
	// support fixed aspect ratios may approximate.
	Width  int
	Height int

	// Seed, when non-nil, pins the generation for reproducible output.
	Seed *int64
}

// Provider is the abstraction over any image-generation backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Generate renders the prompt and returns the encoded image bytes
	// (typically JPEG). It blocks until the image is ready, the backend
	// reports an error, or ctx is cancelled.
	Generate(ctx context.Context, req Request) ([]byte, error)
}
