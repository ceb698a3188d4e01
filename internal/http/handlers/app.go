package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"imagepage/internal/domain"
	"imagepage/internal/events"
	"imagepage/internal/imagegen"
	"imagepage/internal/infra"
	"imagepage/internal/middleware"
)

// UploadStore keeps reference images addressed by content hash.
type UploadStore interface {
	SaveUpload(ctx context.Context, data []byte, ext string) (domain.UploadedImage, error)
	Read(ctx context.Context, name string) ([]byte, error)
}

// Generator runs generations synchronously.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest, emit func(domain.Event)) (*domain.GenerationResult, error)
	Catalog() []imagegen.FlavorInfo
}

// Tasks runs generations in the background.
type Tasks interface {
	Start(ctx context.Context, req domain.GenerationRequest) (domain.Task, error)
	Get(id string) (domain.Task, error)
	Cancel(id string) (domain.Task, error)
}

// Subscriber is the subscription side of the event hub.
type Subscriber interface {
	Subscribe(ch chan events.Message, topic string)
	Unsubscribe(ch chan events.Message, topic string)
}

// App holds the collaborators shared by every handler.
type App struct {
	Config     *infra.Config
	Logger     *infra.Logger
	Metrics    *infra.Metrics
	Generator  Generator
	Tasks      Tasks
	Uploads    UploadStore
	Events     Subscriber
	HTTPClient *http.Client

	// KeepAlive is the interval of SSE comment pings; each ping also re-checks
	// the task so a stream ends even when its finished event was dropped.
	KeepAlive time.Duration
	// MaxDownloadBytes caps a fetched remote image.
	MaxDownloadBytes int64
}

// Options configures NewApp.
type Options struct {
	Config     *infra.Config
	Logger     *infra.Logger
	Metrics    *infra.Metrics
	Generator  Generator
	Tasks      Tasks
	Uploads    UploadStore
	Events     Subscriber
	HTTPClient *http.Client
}

func NewApp(opts Options) *App {
	client := opts.HTTPClient
	if client == nil {
		timeout := 60 * time.Second
		if opts.Config != nil && opts.Config.ProviderTimeout > 0 {
			timeout = opts.Config.ProviderTimeout
		}
		client = NewDownloadClient(timeout)
	}
	return &App{
		Config:     opts.Config,
		Logger:     infra.OrDiscard(opts.Logger),
		Metrics:    opts.Metrics,
		Generator:  opts.Generator,
		Tasks:      opts.Tasks,
		Uploads:    opts.Uploads,
		Events:     opts.Events,
		HTTPClient: client,
		KeepAlive:  15 * time.Second,

		MaxDownloadBytes: defaultMaxDownloadBytes,
	}
}

type errorBody struct {
	Code     string                  `json:"code"`
	Message  string                  `json:"message"`
	Detail   string                  `json:"detail,omitempty"`
	Field    string                  `json:"field,omitempty"`
	Upstream *upstreamBody           `json:"upstream,omitempty"`
	Failures []domain.VariantFailure `json:"failures,omitempty"`
}

type upstreamBody struct {
	Provider string `json:"provider"`
	Status   int    `json:"status"`
	Body     string `json:"body"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// fail maps a domain error onto a status code and a localized message.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	locale := middleware.LocaleFromContext(r.Context())
	status, body := describeError(locale, err)
	if status >= http.StatusInternalServerError {
		a.Logger.Warn().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("kind", body.Code).Msg("request failed")
	}
	a.json(w, status, map[string]errorBody{"error": body})
}

func describeError(locale string, err error) (int, errorBody) {
	var (
		validation *domain.ValidationError
		config     *domain.ConfigError
		provider   *domain.ProviderError
		timeout    *domain.TimeoutError
		parse      *domain.ParseError
	)
	body := errorBody{Code: domain.Kind(err), Detail: err.Error()}
	switch {
	case errors.As(err, &validation):
		body.Field = validation.Field
		switch {
		case errors.Is(err, domain.ErrEmptyPrompt):
			body.Message = localize(locale, msgPromptRequired)
		case errors.Is(err, domain.ErrMissingReference):
			body.Message = localize(locale, msgReferenceRequired)
		default:
			body.Message = localize(locale, msgInvalidRequest, validation.Field)
		}
		if errors.Is(err, domain.ErrUnsupportedFlavor) || errors.Is(err, domain.ErrInvalidSize) {
			return http.StatusUnprocessableEntity, body
		}
		return http.StatusBadRequest, body
	case errors.As(err, &config):
		if config.Model != "" {
			body.Message = localize(locale, msgModelNotAllowed, config.Model)
			return http.StatusBadRequest, body
		}
		body.Message = localize(locale, msgNotConfigured, config.Variable)
		return http.StatusServiceUnavailable, body
	case errors.As(err, &provider):
		body.Message = localize(locale, msgProviderError, provider.StatusCode)
		body.Upstream = &upstreamBody{Provider: provider.Provider, Status: provider.StatusCode, Body: provider.Body}
		return http.StatusBadGateway, body
	case errors.As(err, &timeout):
		body.Message = localize(locale, msgTimeout)
		return http.StatusGatewayTimeout, body
	case errors.As(err, &parse):
		body.Message = localize(locale, msgParseError, parse.Stage)
		return http.StatusBadGateway, body
	case errors.Is(err, domain.ErrNotFound):
		body.Message = localize(locale, msgNotFound)
		return http.StatusNotFound, body
	case errors.Is(err, context.DeadlineExceeded):
		body.Code = "timeout"
		body.Message = localize(locale, msgTimeout)
		return http.StatusGatewayTimeout, body
	default:
		body.Message = localize(locale, msgInternal)
		body.Detail = ""
		return http.StatusInternalServerError, body
	}
}

// decodeJSON reads a JSON body of at most limit bytes into v.
func decodeJSON(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Err: err}
	}
	return nil
}
