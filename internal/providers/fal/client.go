package fal

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

const providerName = "fal"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("fal: api key is required")

// Options configures the queue client.
type Options struct {
	APIKey         string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Metrics        *infra.Metrics
	RequestTimeout time.Duration
}

// Client submits jobs to the fal queue and reads their results.
type Client struct {
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
	metrics    *infra.Metrics
}

// KontextRequest is the payload of an image edit job.
type KontextRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

type submissionEnvelope struct {
	RequestID   string `json:"request_id"`
	ResponseURL string `json:"response_url"`
	StatusURL   string `json:"status_url"`
}

type resultResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit enqueues a job at endpoint and returns the handle to poll.
func (c *Client) Submit(ctx context.Context, endpoint string, payload any) (domain.JobHandle, error) {
	if !c.HasCredentials() {
		return domain.JobHandle{}, ErrMissingAPIKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("fal: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("fal: build request: %w", err)
	}
	status, raw, err := c.do(req)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if status != http.StatusOK {
		return domain.JobHandle{}, &domain.ProviderError{Provider: providerName, StatusCode: status, Body: string(raw)}
	}
	var env submissionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.JobHandle{}, &domain.ParseError{Stage: "fal_submit", Err: err}
	}
	if strings.TrimSpace(env.ResponseURL) == "" {
		return domain.JobHandle{}, &domain.ParseError{Stage: "fal_submit", Err: errors.New("missing response_url")}
	}
	c.logger.Debug().Str("request_id", env.RequestID).Msg("fal: job queued")
	return domain.JobHandle{PollURL: env.ResponseURL, RequestID: env.RequestID}, nil
}

// Check performs one status read of a job. ready is false while the job has not
// produced images; credential and lookup failures end polling with an error.
func (c *Client) Check(ctx context.Context, handle domain.JobHandle) (domain.ImageRef, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.PollURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("fal: build poll request: %w", err)
	}
	status, raw, err := c.do(req)
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return "", false, &domain.ProviderError{Provider: providerName, StatusCode: status, Body: string(raw)}
	}
	var out resultResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// In-progress responses are not always JSON with an images array.
		return "", false, nil
	}
	if len(out.Images) == 0 || strings.TrimSpace(out.Images[0].URL) == "" {
		return "", false, nil
	}
	return domain.ImageRef(out.Images[0].URL), true, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveProvider(providerName, 0)
		return 0, nil, fmt.Errorf("fal: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveProvider(providerName, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("fal: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
