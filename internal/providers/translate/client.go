// Package translate talks to the public Google translate endpoint used to turn
// Chinese prompts into English before they reach models that only read English.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"

	"imagepage/internal/domain"
	"imagepage/internal/infra"
)

const providerName = "translate"

// Options configures the translator. Proxy, when set, routes every call through
// the given http(s) proxy.
type Options struct {
	BaseURL        string
	Proxy          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Metrics        *infra.Metrics
	RequestTimeout time.Duration
}

// Client translates short texts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	metrics    *infra.Metrics
}

// NewClient constructs a client; an unparsable proxy is a configuration error.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://translate.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if proxy := strings.TrimSpace(opts.Proxy); proxy != "" {
			proxyURL, err := url.Parse(proxy)
			if err != nil || proxyURL.Host == "" {
				return nil, fmt.Errorf("translate: invalid proxy %q", proxy)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// Translate converts text from source to target. Empty input is returned as is.
func (c *Client) Translate(ctx context.Context, text string, source, target language.Tag) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", source.String())
	q.Set("tl", target.String())
	q.Set("dt", "t")
	q.Set("q", text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/translate_a/single?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("translate: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveProvider(providerName, 0)
		return "", fmt.Errorf("translate: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveProvider(providerName, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("translate: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	out, err := parseSegments(raw)
	if err != nil {
		return "", &domain.ParseError{Stage: "translate", Err: err}
	}
	c.logger.Debug().Str("source", source.String()).Str("target", target.String()).Msg("translate: done")
	return out, nil
}

// parseSegments reads the positional array response: [[["translated","original",...],...],...].
func parseSegments(raw []byte) (string, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", err
	}
	if len(top) == 0 {
		return "", errors.New("empty response")
	}
	var segments [][]any
	if err := json.Unmarshal(top[0], &segments); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		if s, ok := seg[0].(string); ok {
			sb.WriteString(s)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no translated segments")
	}
	return sb.String(), nil
}
