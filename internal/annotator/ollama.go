// Package annotator implements worker.Annotator against an Ollama server.
//
// Each device maps to one Ollama endpoint (round-robin over the configured
// list), so a multi-GPU host can run one server per GPU with
// CUDA_VISIBLE_DEVICES and let each worker drive its own server.
package annotator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aceteam-ai/captioner/internal/worker"
)

const (
	DefaultEndpoint  = "http://localhost:11434"
	DefaultModel     = "llava:7b"
	DefaultKeepAlive = "30m"
	DefaultMaxTokens = 100
	DefaultTimeout   = 5 * time.Minute

	// DefaultPrompt asks for a short caption without boilerplate openers.
	DefaultPrompt = "describe the image briefly, within 30 words, output the description directly, " +
		"do not start with 'the image is' or 'the photo is' or 'I can see' or anything that start with this image."
)

// Options configures the Ollama annotator.
type Options struct {
	// Endpoints are Ollama base URLs, assigned to devices round-robin
	Endpoints []string

	Model  string
	Prompt string

	// ImageRoot is joined with each task's image id to find the file
	ImageRoot string

	// MaxTokens caps the caption length (num_predict)
	MaxTokens int

	// KeepAlive is how long the server keeps the model loaded between calls
	KeepAlive string

	// Timeout bounds each HTTP request
	Timeout time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if len(o.Endpoints) == 0 {
		o.Endpoints = []string{DefaultEndpoint}
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Prompt == "" {
		o.Prompt = DefaultPrompt
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.KeepAlive == "" {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Ollama annotates images through the Ollama generate API.
type Ollama struct {
	opts    Options
	clients []*resty.Client
	logger  *slog.Logger
}

var (
	_ worker.Annotator      = (*Ollama)(nil)
	_ worker.CacheReleaser  = (*Ollama)(nil)
	_ worker.MemoryReporter = (*Ollama)(nil)
)

// NewOllama creates an annotator with one HTTP client per endpoint.
func NewOllama(opts Options) *Ollama {
	opts.defaults()
	clients := make([]*resty.Client, len(opts.Endpoints))
	for i, endpoint := range opts.Endpoints {
		clients[i] = resty.New().
			SetBaseURL(strings.TrimRight(endpoint, "/")).
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json")
	}
	return &Ollama{opts: opts, clients: clients, logger: opts.Logger}
}

// handle is the per-worker binding to one endpoint.
type handle struct {
	device int
	client *resty.Client
}

type generateRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Stream    bool            `json:"stream"`
	KeepAlive any             `json:"keep_alive,omitempty"`
	Options   *generateParams `json:"options,omitempty"`
}

type generateParams struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type psResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Model    string `json:"model"`
		SizeVRAM uint64 `json:"size_vram"`
	} `json:"models"`
}

// Load warms the model on the endpoint assigned to device.
func (o *Ollama) Load(ctx context.Context, device int) (worker.Handle, error) {
	if device < 0 {
		return nil, fmt.Errorf("invalid device %d", device)
	}
	h := &handle{device: device, client: o.clients[device%len(o.clients)]}

	req := generateRequest{Model: o.opts.Model, KeepAlive: o.opts.KeepAlive}
	if err := o.post(ctx, h, req, nil); err != nil {
		return nil, fmt.Errorf("failed to load model %s on %s: %w", o.opts.Model, h.client.BaseURL, err)
	}
	o.logger.Info("model loaded", "worker_id", device, "model", o.opts.Model, "endpoint", h.client.BaseURL)
	return h, nil
}

// Generate captions the task's image.
func (o *Ollama) Generate(ctx context.Context, wh worker.Handle, task worker.Task) (string, error) {
	h, err := asHandle(wh)
	if err != nil {
		return "", err
	}

	image, err := o.readImage(task.ImageID)
	if err != nil {
		return "", err
	}

	req := generateRequest{
		Model:     o.opts.Model,
		Prompt:    o.opts.Prompt,
		Images:    []string{image},
		KeepAlive: o.opts.KeepAlive,
		Options:   &generateParams{NumPredict: o.opts.MaxTokens},
	}
	var resp generateResponse
	if err := o.post(ctx, h, req, &resp); err != nil {
		return "", err
	}

	caption := cleanCaption(resp.Response, o.opts.Prompt)
	if caption == "" {
		return "", errors.New("model returned an empty caption")
	}
	return caption, nil
}

// Unload asks the server to evict the model immediately.
func (o *Ollama) Unload(ctx context.Context, wh worker.Handle) error {
	h, err := asHandle(wh)
	if err != nil {
		return err
	}
	if err := o.post(ctx, h, generateRequest{Model: o.opts.Model, KeepAlive: 0}, nil); err != nil {
		return fmt.Errorf("failed to unload model %s: %w", o.opts.Model, err)
	}
	return nil
}

// ReleaseCache evicts the model so the next request reloads it with a fresh
// context cache.
func (o *Ollama) ReleaseCache(ctx context.Context, wh worker.Handle) error {
	return o.Unload(ctx, wh)
}

// MemoryFootprint reports the VRAM held by the model on the handle's server.
func (o *Ollama) MemoryFootprint(ctx context.Context, wh worker.Handle) (uint64, error) {
	h, err := asHandle(wh)
	if err != nil {
		return 0, err
	}

	var ps psResponse
	res, err := h.client.R().SetContext(ctx).SetResult(&ps).Get("/api/ps")
	if err != nil {
		return 0, fmt.Errorf("failed to query running models: %w", err)
	}
	if !res.IsSuccess() {
		return 0, fmt.Errorf("ollama returned status %d for /api/ps", res.StatusCode())
	}

	var total uint64
	for _, m := range ps.Models {
		if m.Name == o.opts.Model || m.Model == o.opts.Model {
			total += m.SizeVRAM
		}
	}
	return total, nil
}

func (o *Ollama) post(ctx context.Context, h *handle, body generateRequest, result any) error {
	var apiErr errorResponse
	r := h.client.R().SetContext(ctx).SetBody(body).SetError(&apiErr)
	if result != nil {
		r.SetResult(result)
	}

	res, err := r.Post("/api/generate")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to connect to ollama: %w", err)
	}
	if res.IsSuccess() {
		return nil
	}

	msg := apiErr.Error
	if msg == "" {
		msg = strings.TrimSpace(res.String())
	}
	return classify(res.StatusCode(), msg)
}

// classify maps an Ollama error reply onto the worker error taxonomy.
func classify(status int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of memory"),
		strings.Contains(lower, "insufficient memory"),
		strings.Contains(lower, "cudamalloc failed"):
		return fmt.Errorf("%w: %s", worker.ErrResourceExhausted, msg)
	case strings.Contains(lower, "illegal base64"),
		strings.Contains(lower, "unknown format"),
		strings.Contains(lower, "failed to decode image"):
		return fmt.Errorf("%w: %s", worker.ErrInvalidInput, msg)
	default:
		return fmt.Errorf("ollama API error (status %d): %s", status, msg)
	}
}

func (o *Ollama) readImage(imageID string) (string, error) {
	path := filepath.Join(o.opts.ImageRoot, filepath.FromSlash(imageID))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %v", worker.ErrInvalidInput, err)
		}
		return "", fmt.Errorf("failed to read image %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", worker.ErrInvalidInput, path)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// cleanCaption drops an echoed prompt and an "Assistant:" preamble.
func cleanCaption(text, prompt string) string {
	text = strings.TrimSpace(text)
	if prompt != "" {
		text = strings.TrimSpace(strings.ReplaceAll(text, prompt, ""))
	}
	if i := strings.Index(text, "Assistant:"); i >= 0 {
		text = strings.TrimSpace(text[i+len("Assistant:"):])
	}
	return text
}

func asHandle(wh worker.Handle) (*handle, error) {
	h, ok := wh.(*handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("invalid annotator handle %T", wh)
	}
	return h, nil
}
