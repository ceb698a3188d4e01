package flowise

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

const providerName = "flowise"

// Options configures the prediction client.
type Options struct {
	URL            string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	Metrics        *infra.Metrics
	RequestTimeout time.Duration
}

// Client calls a Flowise prediction endpoint whose chart tool returns image links.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *infra.Logger
	metrics    *infra.Metrics
}

type predictionResponse struct {
	Text      string `json:"text"`
	UsedTools []struct {
		Tool       string `json:"tool"`
		ToolOutput string `json:"toolOutput"`
	} `json:"usedTools"`
}

type toolOutputItem struct {
	Text string `json:"text"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.URL)
	if endpoint == "" {
		return nil, errors.New("flowise: url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:        endpoint,
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// Predict sends question to the flow and returns the image links produced by its tools.
func (c *Client) Predict(ctx context.Context, question string) ([]domain.ImageRef, error) {
	body, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return nil, fmt.Errorf("flowise: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("flowise: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveProvider(providerName, 0)
		return nil, fmt.Errorf("flowise: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveProvider(providerName, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("flowise: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	refs, err := imagesFromPrediction(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("images", len(refs)).Msg("flowise: prediction parsed")
	return refs, nil
}

// imagesFromPrediction collects the text field of every item in every non-empty
// tool output. A prediction without any image is reported with the model text.
func imagesFromPrediction(raw []byte) ([]domain.ImageRef, error) {
	var out predictionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &domain.ParseError{Stage: "flowise_response", Err: err}
	}
	var refs []domain.ImageRef
	for _, tool := range out.UsedTools {
		if strings.TrimSpace(tool.ToolOutput) == "" {
			continue
		}
		var items []toolOutputItem
		if err := json.Unmarshal([]byte(tool.ToolOutput), &items); err != nil {
			return nil, &domain.ParseError{Stage: "flowise_tool_output", Err: err}
		}
		for _, item := range items {
			if text := strings.TrimSpace(item.Text); text != "" {
				refs = append(refs, domain.ImageRef(text))
			}
		}
	}
	if len(refs) == 0 {
		detail := strings.TrimSpace(out.Text)
		if detail == "" {
			detail = string(raw)
		}
		return nil, &domain.ParseError{Stage: "flowise_response", Err: fmt.Errorf("%w: %s", domain.ErrNoImages, detail)}
	}
	return refs, nil
}
