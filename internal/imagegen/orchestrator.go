package imagegen

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"

	"imagepage/internal/domain"
	"imagepage/internal/infra"
	"imagepage/internal/providers/fal"
	"imagepage/internal/providers/openai"
	"imagepage/internal/providers/screenshot"
)

// MaxVariants bounds an explicit variant_count.
const MaxVariants = 4

// ImageGateway is the images endpoint of an OpenAI compatible gateway.
type ImageGateway interface {
	GenerateImages(ctx context.Context, req openai.ImagesRequest) ([]byte, error)
}

// ChatGateway is the chat endpoint of an OpenAI compatible gateway.
type ChatGateway interface {
	ChatCompletion(ctx context.Context, req openai.ChatRequest) ([]byte, error)
}

// JobQueue submits asynchronous jobs and reads their status.
type JobQueue interface {
	Submit(ctx context.Context, endpoint string, payload any) (domain.JobHandle, error)
	Check(ctx context.Context, handle domain.JobHandle) (domain.ImageRef, bool, error)
}

// Screenshotter renders an HTML document element to image bytes.
type Screenshotter interface {
	Capture(ctx context.Context, req screenshot.Request) ([]byte, error)
}

// Translator translates prompt text between languages.
type Translator interface {
	Translate(ctx context.Context, text string, source, target language.Tag) (string, error)
}

// ChartPredictor asks a chart flow for chart images.
type ChartPredictor interface {
	Predict(ctx context.Context, question string) ([]domain.ImageRef, error)
}

// ReferenceLoader resolves an uploaded filename into an inline data URI.
type ReferenceLoader interface {
	DataURI(ctx context.Context, name string) (domain.ImageRef, error)
}

// Deps wires the collaborators of a Service. Clients whose configuration is absent
// may be nil; the flavors that need them fail with a ConfigError.
type Deps struct {
	Config     *infra.Config
	Images     ImageGateway
	Cover      ChatGateway
	Gemini     ChatGateway
	Jobs       JobQueue
	Screens    Screenshotter
	Translator Translator
	Charts     ChartPredictor
	References ReferenceLoader
	Poller     *Poller
	Logger     *infra.Logger
	Metrics    *infra.Metrics
}

// Service turns generation requests into provider calls, fans them out and
// collects displayable images.
type Service struct {
	cfg     *infra.Config
	deps    Deps
	poller  *Poller
	logger  *infra.Logger
	metrics *infra.Metrics
}

// NewService validates the wiring and returns a ready service.
func NewService(deps Deps) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.New("imagegen: config is required")
	}
	poller := deps.Poller
	if poller == nil {
		poller = NewPoller(deps.Config.PollInterval, deps.Config.PollMaxWait)
	}
	return &Service{
		cfg:     deps.Config,
		deps:    deps,
		poller:  poller,
		logger:  infra.OrDiscard(deps.Logger),
		metrics: deps.Metrics,
	}, nil
}

// Plan is a validated request with its per-variant call bound. It is produced by
// Prepare and consumed once by Run.
type Plan struct {
	req      domain.GenerationRequest
	variants int
	call     func(ctx context.Context, variant int) domain.CallResult
}

// Generate runs req to completion. Request level problems (validation, configuration,
// prompt translation) are returned as errors before any variant is dispatched; variant
// failures are collected in the result. emit, when set, receives progress events and
// must be safe for concurrent use.
func (s *Service) Generate(ctx context.Context, req domain.GenerationRequest, emit func(domain.Event)) (*domain.GenerationResult, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, p, emit), nil
}

// Prepare validates req, checks configuration and builds the provider payloads.
// Nothing is sent to a generation provider; kontext prompts are translated here.
func (s *Service) Prepare(ctx context.Context, req domain.GenerationRequest) (*Plan, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		s.metrics.ObserveGeneration(string(req.Flavor), "rejected", 0)
		return nil, err
	}
	return p, nil
}

// Run fans the plan's variants out and joins them.
func (s *Service) Run(ctx context.Context, p *Plan, emit func(domain.Event)) *domain.GenerationResult {
	start := time.Now()
	if emit == nil {
		emit = func(domain.Event) {}
	}
	log := s.logger.With().Str("flavor", string(p.req.Flavor)).Str("request_id", p.req.RequestID).Logger()
	var truncated atomic.Int64

	images, failures := RunVariants(ctx, p.variants, func(ctx context.Context, variant int) ([]domain.ImageRef, error) {
		return s.settle(ctx, variant, p.call(ctx, variant), emit)
	}, func(out VariantOutcome) {
		if out.Err != nil {
			log.Warn().Err(out.Err).Int("variant", out.Variant).Msg("imagegen: variant failed")
			s.metrics.ObserveVariant(string(p.req.Flavor), "failed")
			emit(domain.Event{Type: domain.EventVariantFailed, Variant: out.Variant, Message: out.Err.Error()})
			return
		}
		s.metrics.ObserveVariant(string(p.req.Flavor), "succeeded")
		if out.Dropped > 0 {
			truncated.Add(int64(out.Dropped))
			log.Info().Int("variant", out.Variant).Int("dropped", out.Dropped).Msg("imagegen: variant kept its first image only")
		}
		emit(domain.Event{Type: domain.EventVariantSucceeded, Variant: out.Variant, Images: out.Images})
	})

	outcome := "succeeded"
	switch {
	case len(images) == 0:
		outcome = "failed"
	case len(failures) > 0:
		outcome = "partial"
	}
	s.metrics.ObserveGeneration(string(p.req.Flavor), outcome, time.Since(start))
	log.Info().Int("requested", p.variants).Int("images", len(images)).Int("failures", len(failures)).
		Int64("truncated", truncated.Load()).Dur("latency", time.Since(start)).Msg("imagegen: generation finished")

	return &domain.GenerationResult{
		Flavor:    p.req.Flavor,
		Requested: p.variants,
		Images:    images,
		Failures:  failures,
		Truncated: int(truncated.Load()),
	}
}

// Flavor returns the normalised flavor of the plan.
func (p *Plan) Flavor() domain.Flavor { return p.req.Flavor }

// Requested returns how many variants the plan dispatches.
func (p *Plan) Requested() int { return p.variants }

// RequestID returns the id the plan logs under.
func (p *Plan) RequestID() string { return p.req.RequestID }

// settle resolves one call result into images, polling job handles.
func (s *Service) settle(ctx context.Context, variant int, res domain.CallResult, emit func(domain.Event)) ([]domain.ImageRef, error) {
	switch res.Kind {
	case domain.CallImmediate:
		return res.Images, nil
	case domain.CallJob:
		handle := res.Handle
		ref, err := s.poller.Poll(ctx, func(ctx context.Context) (domain.ImageRef, bool, error) {
			ref, ready, err := s.deps.Jobs.Check(ctx, handle)
			switch {
			case err != nil:
				s.metrics.ObservePollTick("error")
			case ready:
				s.metrics.ObservePollTick("resolved")
			default:
				s.metrics.ObservePollTick("pending")
			}
			return ref, ready, err
		}, func(tick int) {
			emit(domain.Event{Type: domain.EventPollTick, Variant: variant, Tick: tick})
		})
		if err != nil {
			return nil, err
		}
		return []domain.ImageRef{ref}, nil
	case domain.CallFailure:
		return nil, res.Err
	default:
		return nil, fmt.Errorf("imagegen: unknown call result kind %d", res.Kind)
	}
}

func (s *Service) prepare(ctx context.Context, req domain.GenerationRequest) (*Plan, error) {
	flavor, ok := domain.ParseFlavor(string(req.Flavor))
	if !ok {
		return nil, &domain.ValidationError{Field: "flavor", Err: fmt.Errorf("%w: %q", domain.ErrUnsupportedFlavor, req.Flavor)}
	}
	req.Flavor = flavor
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, &domain.ValidationError{Field: "prompt", Err: domain.ErrEmptyPrompt}
	}
	if flavor.NeedsReference() && len(nonEmpty(req.Params.References)) == 0 {
		return nil, &domain.ValidationError{Field: "references", Err: domain.ErrMissingReference}
	}
	if req.VariantCount < 0 || req.VariantCount > MaxVariants {
		return nil, &domain.ValidationError{Field: "variant_count", Err: fmt.Errorf("must be between 1 and %d", MaxVariants)}
	}

	switch flavor {
	case domain.FlavorJimeng:
		return s.planJimeng(req)
	case domain.FlavorGPT4o:
		return s.planGPT4o(req)
	case domain.FlavorKontext:
		return s.planKontext(ctx, req)
	case domain.FlavorGemini, domain.FlavorGeminiMulti:
		return s.planGemini(ctx, req)
	case domain.FlavorCover:
		return s.planCover(req)
	case domain.FlavorChart:
		return s.planChart(req)
	}
	return nil, &domain.ValidationError{Field: "flavor", Err: domain.ErrUnsupportedFlavor}
}

func (s *Service) planJimeng(req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	if s.deps.Images == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvOpenAIBaseURL}
	}
	size, err := ParseSize(orDefault(req.Params.Size, DefaultSize(domain.FlavorJimeng)))
	if err != nil {
		return nil, err
	}
	payload := openai.ImagesRequest{
		Model:      s.cfg.JimengModel,
		Prompt:     req.Prompt,
		Ratio:      size.Ratio,
		Resolution: "2k",
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, 1), call: s.imagesCall(payload)}, nil
}

func (s *Service) planGPT4o(req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	if s.deps.Images == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvOpenAIBaseURL}
	}
	size, err := ParseSize(orDefault(req.Params.Size, DefaultSize(domain.FlavorGPT4o)))
	if err != nil {
		return nil, err
	}
	payload := openai.ImagesRequest{
		Model:  s.cfg.GPT4oModel,
		Prompt: req.Prompt,
		Width:  size.Width,
		Height: size.Height,
		Size:   size.Dimensions(),
		N:      1,
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, 1), call: s.imagesCall(payload)}, nil
}

func (s *Service) imagesCall(payload openai.ImagesRequest) func(context.Context, int) domain.CallResult {
	return func(ctx context.Context, _ int) domain.CallResult {
		raw, err := s.deps.Images.GenerateImages(ctx, payload)
		if err != nil {
			return domain.Failed(err)
		}
		images, err := NormalizeImages(raw)
		if err != nil {
			return domain.Failed(err)
		}
		return domain.Immediate(images)
	}
}

func (s *Service) planKontext(ctx context.Context, req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	if s.deps.Jobs == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvFalKey}
	}
	refs, err := s.resolveReferences(ctx, nonEmpty(req.Params.References)[:1])
	if err != nil {
		return nil, err
	}
	prompt := req.Prompt
	if s.deps.Translator != nil {
		translated, err := s.deps.Translator.Translate(ctx, prompt, language.SimplifiedChinese, language.English)
		if err != nil {
			return nil, fmt.Errorf("imagegen: translate prompt: %w", err)
		}
		prompt = translated
	}
	payload := fal.KontextRequest{Prompt: prompt, ImageURL: string(refs[0])}
	endpoint := s.cfg.FalKontextURL

	call := func(ctx context.Context, _ int) domain.CallResult {
		handle, err := s.deps.Jobs.Submit(ctx, endpoint, payload)
		if err != nil {
			return domain.Failed(err)
		}
		return domain.Pending(handle)
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, 1), call: call}, nil
}

func (s *Service) planGemini(ctx context.Context, req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	if s.deps.Gemini == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvGeminiBaseURL}
	}
	names := nonEmpty(req.Params.References)
	if req.Flavor == domain.FlavorGemini {
		names = names[:1]
	}
	refs, err := s.resolveReferences(ctx, names)
	if err != nil {
		return nil, err
	}
	parts := []openai.ContentPart{openai.TextPart(BuildEditInstruction(req.Prompt, len(refs)))}
	for _, ref := range refs {
		parts = append(parts, openai.ImagePart(string(ref)))
	}
	payload := openai.ChatRequest{
		Model:    s.cfg.GeminiModel,
		Messages: []openai.Message{openai.PartsMessage("user", parts...)},
		Stream:   false,
	}
	call := func(ctx context.Context, _ int) domain.CallResult {
		raw, err := s.deps.Gemini.ChatCompletion(ctx, payload)
		if err != nil {
			return domain.Failed(err)
		}
		images, err := NormalizeImages(raw)
		if err != nil {
			return domain.Failed(err)
		}
		return domain.Immediate(images)
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, 1), call: call}, nil
}

func (s *Service) planCover(req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	model := strings.TrimSpace(req.Params.Model)
	if model == "" {
		model = s.cfg.CoverModels[0]
	}
	if !slices.Contains(s.cfg.CoverModels, model) {
		return nil, &domain.ConfigError{Model: model}
	}
	if s.deps.Cover == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvCoverBaseURL}
	}
	if s.deps.Screens == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvScreenBaseURL}
	}
	size, err := ParseSize(orDefault(req.Params.Size, DefaultSize(domain.FlavorCover)))
	if err != nil {
		return nil, err
	}
	style := orDefault(req.Params.Style, CoverStyles[0])
	payload := openai.ChatRequest{
		Model:    model,
		Messages: []openai.Message{openai.TextMessage("user", BuildCoverPrompt(req.Prompt, size, style))},
		Stream:   false,
	}
	req.Params.Model = model

	call := func(ctx context.Context, _ int) domain.CallResult {
		raw, err := s.deps.Cover.ChatCompletion(ctx, payload)
		if err != nil {
			return domain.Failed(err)
		}
		text, err := ChatText(raw)
		if err != nil {
			return domain.Failed(err)
		}
		html, err := ExtractHTML(text)
		if err != nil {
			return domain.Failed(err)
		}
		png, err := s.deps.Screens.Capture(ctx, screenshot.Request{
			HTML:           html,
			Selector:       screenshot.DefaultSelector,
			ViewportWidth:  screenshot.DefaultViewportWidth,
			ViewportHeight: screenshot.DefaultViewportHeight,
			WaitSecond:     screenshot.DefaultWaitSecond,
			UseProxy:       true,
		})
		if err != nil {
			return domain.Failed(err)
		}
		return domain.Immediate([]domain.ImageRef{domain.DataURI("image/png", png)})
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, s.cfg.CoverCount(model)), call: call}, nil
}

func (s *Service) planChart(req domain.GenerationRequest) (*Plan, error) {
	if err := s.cfg.Require(flavorEnv[req.Flavor]...); err != nil {
		return nil, err
	}
	if s.deps.Charts == nil {
		return nil, &domain.ConfigError{Variable: infra.EnvFlowiseURL}
	}
	question := BuildChartQuestion(orDefault(req.Params.ChartType, ChartTypes[0]), req.Prompt)
	call := func(ctx context.Context, _ int) domain.CallResult {
		images, err := s.deps.Charts.Predict(ctx, question)
		if err != nil {
			return domain.Failed(err)
		}
		return domain.Immediate(images)
	}
	return &Plan{req: req, variants: variantsOr(req.VariantCount, 1), call: call}, nil
}

// resolveReferences turns uploaded filenames into data URIs; URLs and data URIs pass through.
func (s *Service) resolveReferences(ctx context.Context, names []string) ([]domain.ImageRef, error) {
	refs := make([]domain.ImageRef, 0, len(names))
	for _, name := range names {
		ref := domain.ImageRef(strings.TrimSpace(name))
		if ref.IsDataURI() || ref.IsURL() {
			refs = append(refs, ref)
			continue
		}
		if s.deps.References == nil {
			return nil, &domain.ValidationError{Field: "references", Err: domain.ErrUnsupportedRefType}
		}
		loaded, err := s.deps.References.DataURI(ctx, string(ref))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, &domain.ValidationError{Field: "references", Err: fmt.Errorf("%w: %s", domain.ErrMissingReference, ref)}
			}
			return nil, err
		}
		refs = append(refs, loaded)
	}
	return refs, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func variantsOr(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}
