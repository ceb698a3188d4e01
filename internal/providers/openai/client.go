package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imagepage/internal/domain"
	"imagepage/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("openai: api key is required")

// Options configures an OpenAI compatible client.
type Options struct {
	// Name labels logs, metrics and errors; several clients with different
	// base URLs coexist (generation, cover, gemini).
	Name           string
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Metrics        *infra.Metrics
	RequestTimeout time.Duration
}

// Client performs calls against an OpenAI compatible gateway.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	metrics    *infra.Metrics
}

// ImagesRequest is the body of POST /images/generations. Width/height providers
// and ratio/resolution providers share the endpoint; unused fields are omitted.
type ImagesRequest struct {
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Size       string `json:"size,omitempty"`
	N          int    `json:"n,omitempty"`
	Ratio      string `json:"ratio,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// ChatRequest is the body of POST /chat/completions.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Message holds either plain text content or a list of parts.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one block of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points at an image, usually an inline data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a single text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// PartsMessage builds a multimodal message.
func PartsMessage(role string, parts ...ContentPart) Message {
	return Message{Role: role, Content: parts}
}

// TextPart returns a text content block.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image_url content block.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 180 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "openai"
	}
	return &Client{
		name:       name,
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// Name returns the label the client reports under.
func (c *Client) Name() string {
	return c.name
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// GenerateImages calls the image generation endpoint and returns the raw body of a 200 response.
func (c *Client) GenerateImages(ctx context.Context, req ImagesRequest) ([]byte, error) {
	return c.post(ctx, "/images/generations", req)
}

// ChatCompletion calls the chat completion endpoint and returns the raw body of a 200 response.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error) {
	return c.post(ctx, "/chat/completions", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveProvider(c.name, 0)
		return nil, fmt.Errorf("%s: http request: %w", c.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveProvider(c.name, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.name, err)
	}
	c.logger.Debug().
		Str("provider", c.name).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("openai: call finished")

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
