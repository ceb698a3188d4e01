package screenshot

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

const providerName = "screenshot"

// Defaults used by the cover flavor.
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1600
	DefaultSelector       = "#maincover"
	DefaultWaitSecond     = 3
)

// Options configures the screenshot client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Metrics        *infra.Metrics
	RequestTimeout time.Duration
}

// Client renders HTML documents through the external screenshot service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	metrics    *infra.Metrics
}

// Request describes one capture. HTML is sent in the url field, which the
// service accepts as either an address or an inline document.
type Request struct {
	HTML           string
	Selector       string
	ViewportWidth  int
	ViewportHeight int
	WaitSecond     int
	UseProxy       bool
}

type captureRequest struct {
	URL             string `json:"url"`
	ViewportWidth   int    `json:"viewport_width"`
	ViewportHeight  int    `json:"viewport_height"`
	ElementSelector string `json:"element_selector"`
	WaitSecond      int    `json:"wait_second"`
	UseProxy        int    `json:"use_proxy"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("screenshot: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// Capture posts the document and returns the raw image bytes.
func (c *Client) Capture(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return nil, errors.New("screenshot: html is required")
	}
	payload := captureRequest{
		URL:             req.HTML,
		ViewportWidth:   orDefault(req.ViewportWidth, DefaultViewportWidth),
		ViewportHeight:  orDefault(req.ViewportHeight, DefaultViewportHeight),
		ElementSelector: req.Selector,
		WaitSecond:      orDefault(req.WaitSecond, DefaultWaitSecond),
	}
	if payload.ElementSelector == "" {
		payload.ElementSelector = DefaultSelector
	}
	if req.UseProxy {
		payload.UseProxy = 1
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("screenshot: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/screenshot", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("screenshot: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveProvider(providerName, 0)
		return nil, fmt.Errorf("screenshot: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveProvider(providerName, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("screenshot: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	c.logger.Debug().Int("bytes", len(raw)).Dur("latency", time.Since(start)).Msg("screenshot: captured")
	return raw, nil
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
