package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyPrompt        = errors.New("prompt is required")
	ErrMissingReference   = errors.New("reference image is required")
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedFlavor  = errors.New("unsupported flavor")
	ErrNoImages           = errors.New("no images in response")
	ErrExtraction         = errors.New("no html document found")
	ErrInvalidSize        = errors.New("invalid size")
	ErrUnsupportedRefType = errors.New("unsupported image reference")
)

// ValidationError rejects a request before any network call is attempted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConfigError reports an unset environment variable or a model outside the allow-list.
type ConfigError struct {
	Variable string
	Model    string
}

func (e *ConfigError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("config: model %q is not allowed", e.Model)
	}
	return fmt.Sprintf("config: %s is not set", e.Variable)
}

// ProviderError carries a non-2xx upstream response verbatim.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, strings.TrimSpace(e.Body))
}

// TimeoutError is returned when a job handle did not resolve within the poll budget.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("等待超时，未能获取到图像数据 (%s)", e.Elapsed.Round(time.Second))
}

// ParseError reports an unrecognised response shape. Stage names the step that failed.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Kind returns a short machine readable classification of err.
func Kind(err error) string {
	var (
		validation *ValidationError
		config     *ConfigError
		provider   *ProviderError
		timeout    *TimeoutError
		parse      *ParseError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &config):
		return "config"
	case errors.As(err, &provider):
		return "provider"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &parse):
		return "parse"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
