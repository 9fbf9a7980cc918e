// Package yandexart provides an image provider backed by the YandexART
// async generation API (Yandex AI Studio).
//
// Generation is a two-step protocol: POST the prompt to the generation
// endpoint, receive an operation id, then poll the operation endpoint until
// done. The finished operation carries the image as base64.
package yandexart

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
)

const (
	defaultGenerateURL  = "https://llm.api.cloud.yandex.net/foundationModels/v1/imageGenerationAsync"
	defaultOperationURL = "https://operation.api.cloud.yandex.net/operations"

	// Poll pacing: start just under a second, grow by 20% per attempt, cap at 3s.
	initialPollDelay = 900 * time.Millisecond
	maxPollDelay     = 3 * time.Second
	pollGrowth       = 1.2

	// pollDeadline bounds the whole generation including polling.
	pollDeadline = 60 * time.Second
)

// Provider implements image.Provider against YandexART.
type Provider struct {
	apiKey       string
	folderID     string
	generateURL  string
	operationURL string
	client       *http.Client

	// sleep is replaceable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Compile-time interface assertion.
var _ image.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithGenerateURL overrides the async generation endpoint.
func WithGenerateURL(url string) Option {
	return func(p *Provider) {
		p.generateURL = url
	}
}

// WithOperationURL overrides the operation polling endpoint base.
func WithOperationURL(url string) Option {
	return func(p *Provider) {
		p.operationURL = url
	}
}

// WithHTTPClient replaces the default HTTP client (60s request timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// withSleep replaces the poll delay function. Test hook.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Provider) {
		p.sleep = fn
	}
}

// New creates a YandexART Provider. apiKey and folderID must be non-empty.
func New(apiKey, folderID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("yandexart: apiKey must not be empty")
	}
	if folderID == "" {
		return nil, fmt.Errorf("yandexart: folderID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		folderID:     folderID,
		generateURL:  defaultGenerateURL,
		operationURL: defaultOperationURL,
		client:       &http.Client{Timeout: 60 * time.Second},
		sleep:        sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- Wire types ----

type generateRequest struct {
	ModelURI          string            `json:"modelUri"`
	Messages          []generateMessage `json:"messages"`
	GenerationOptions generationOptions `json:"generationOptions"`
}

type generateMessage struct {
	Text string `json:"text"`
}

type generationOptions struct {
	MimeType    string       `json:"mimeType"`
	Seed        string       `json:"seed,omitempty"`
	AspectRatio *aspectRatio `json:"aspectRatio,omitempty"`
}

type aspectRatio struct {
	WidthRatio  string `json:"widthRatio"`
	HeightRatio string `json:"heightRatio"`
}

// operation is the async operation envelope shared by both endpoints.
type operation struct {
	ID    string `json:"id"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Image string `json:"image"`
	} `json:"response"`
}

// Generate implements image.Provider.
func (p *Provider) Generate(ctx context.Context, req image.Request) ([]byte, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("yandexart: prompt must not be empty")
	}

	wr, hr := ratioFor(req.Width, req.Height)
	gen := generateRequest{
		ModelURI: "art://" + p.folderID + "/yandex-art/latest",
		Messages: []generateMessage{{Text: req.Prompt}},
		GenerationOptions: generationOptions{
			MimeType:    "image/jpeg",
			AspectRatio: &aspectRatio{WidthRatio: strconv.Itoa(wr), HeightRatio: strconv.Itoa(hr)},
		},
	}
	if req.Seed != nil {
		gen.GenerationOptions.Seed = strconv.FormatInt(*req.Seed, 10)
	}

	op, err := p.post(ctx, gen)
	if err != nil {
		return nil, err
	}
	if op.Done {
		return finishedImage(op)
	}

	deadline := time.Now().Add(pollDeadline)
	delay := initialPollDelay

	for time.Now().Before(deadline) {
		if err := p.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("yandexart: %w", err)
		}
		delay = time.Duration(float64(delay) * pollGrowth)
		if delay > maxPollDelay {
			delay = maxPollDelay
		}

		status, err := p.poll(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		if !status.Done {
			continue
		}
		return finishedImage(status)
	}

	return nil, fmt.Errorf("yandexart: timeout: generation still in progress (operation=%s)", op.ID)
}

// post submits the generation request and decodes the returned operation.
func (p *Provider) post(ctx context.Context, gen generateRequest) (*operation, error) {
	body, err := json.Marshal(gen)
	if err != nil {
		return nil, fmt.Errorf("yandexart: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.generateURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("yandexart: build request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return p.doOperation(req, "imageGenerationAsync")
}

// poll fetches the current state of an operation.
func (p *Provider) poll(ctx context.Context, opID string) (*operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.operationURL+"/"+opID, nil)
	if err != nil {
		return nil, fmt.Errorf("yandexart: build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	return p.doOperation(req, "operation.get")
}

// doOperation executes the request and decodes an operation envelope,
// surfacing the server body on non-2xx responses (important for 400/401/403).
func (p *Provider) doOperation(req *http.Request, stage string) (*operation, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yandexart: %s: %w", stage, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yandexart: %s: read response: %w", stage, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yandexart: %s: HTTP %d: %s", stage, resp.StatusCode, truncate(string(raw), 2000))
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("yandexart: %s: cannot parse operation: %w", stage, err)
	}
	return &op, nil
}

// finishedImage extracts and decodes the image payload from a done operation.
func finishedImage(op *operation) ([]byte, error) {
	if op.Error != nil {
		return nil, fmt.Errorf("yandexart: generation failed: code %d: %s", op.Error.Code, op.Error.Message)
	}
	if op.Response == nil || op.Response.Image == "" {
		return nil, fmt.Errorf("yandexart: operation done but image is empty")
	}
	img, err := base64.StdEncoding.DecodeString(op.Response.Image)
	if err != nil {
		return nil, fmt.Errorf("yandexart: decode image payload: %w", err)
	}
	return img, nil
}

// ratioFor maps a requested size onto the two supported aspect ratios:
// portrait requests get 3:4, landscape 4:3.
func ratioFor(width, height int) (int, int) {
	if height >= width {
		return 3, 4
	}
	return 4, 3
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncate shortens s for inclusion in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
