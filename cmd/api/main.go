package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imagepage/internal/events"
	"imagepage/internal/http/handlers"
	httpapi "imagepage/internal/http/httpapi"
	"imagepage/internal/imagegen"
	"imagepage/internal/infra"
	"imagepage/internal/providers/fal"
	"imagepage/internal/providers/flowise"
	"imagepage/internal/providers/openai"
	"imagepage/internal/providers/screenshot"
	"imagepage/internal/providers/translate"
	"imagepage/internal/storage"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	metrics := infra.NewMetrics()

	// Every task and SSE stream derives from baseCtx; canceling it on shutdown stops them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	store, err := storage.NewFileStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare upload directory")
	}

	hub := events.NewHub()
	go hub.Run(baseCtx)

	deps := buildDeps(cfg, &logger, metrics)
	deps.References = store
	svc, err := imagegen.NewService(deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build generation service")
	}
	for _, info := range svc.Catalog() {
		evt := logger.Info().Str("flavor", string(info.Flavor)).Bool("enabled", info.Enabled)
		if info.Missing != "" {
			evt = evt.Str("missing", info.Missing)
		}
		evt.Msg("flavor")
	}

	tasks := imagegen.NewTaskRunner(baseCtx, svc, imagegen.TaskOptions{
		Publisher: hub,
		Retention: cfg.TaskRetention,
		Logger:    &logger,
		Metrics:   metrics,
	})
	go tasks.RunJanitor(baseCtx, time.Minute)

	app := handlers.NewApp(handlers.Options{
		Config:    cfg,
		Logger:    &logger,
		Metrics:   metrics,
		Generator: svc,
		Tasks:     tasks,
		Uploads:   store,
		Events:    hub,
	})
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router, baseCtx)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// Stop long-lived streams first so Shutdown does not wait on them.
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// buildDeps constructs a client for every provider whose configuration is present.
// Flavors whose client is missing answer with a ConfigError naming the variable.
func buildDeps(cfg *infra.Config, logger *infra.Logger, metrics *infra.Metrics) imagegen.Deps {
	deps := imagegen.Deps{Config: cfg, Logger: logger, Metrics: metrics}

	if cfg.OpenAIBaseURL != "" {
		client, err := openai.NewClient(openai.Options{
			Name: "openai", APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL,
			Logger: logger, Metrics: metrics, RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("generation client disabled")
		} else {
			deps.Images = client
		}
	}
	if cfg.CoverBaseURL != "" {
		client, err := openai.NewClient(openai.Options{
			Name: "cover", APIKey: cfg.CoverAPIKey, BaseURL: cfg.CoverBaseURL,
			Logger: logger, Metrics: metrics, RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("cover client disabled")
		} else {
			deps.Cover = client
		}
	}
	if cfg.GeminiBaseURL != "" {
		client, err := openai.NewClient(openai.Options{
			Name: "gemini", APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL,
			Logger: logger, Metrics: metrics, RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("gemini client disabled")
		} else {
			deps.Gemini = client
		}
	}
	if cfg.FalKey != "" {
		deps.Jobs = fal.NewClient(fal.Options{APIKey: cfg.FalKey, Logger: logger, Metrics: metrics})
	}
	if cfg.ScreenshotBaseURL != "" {
		client, err := screenshot.NewClient(screenshot.Options{
			BaseURL: cfg.ScreenshotBaseURL, Logger: logger, Metrics: metrics, RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("screenshot client disabled")
		} else {
			deps.Screens = client
		}
	}
	if client, err := translate.NewClient(translate.Options{
		BaseURL: cfg.TranslateBaseURL, Proxy: cfg.TranslateProxy, Logger: logger, Metrics: metrics,
	}); err != nil {
		logger.Warn().Err(err).Msg("translation disabled, kontext prompts are sent untranslated")
	} else {
		deps.Translator = client
	}
	if cfg.FlowiseURL != "" {
		client, err := flowise.NewClient(flowise.Options{
			URL: cfg.FlowiseURL, Logger: logger, Metrics: metrics, RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("chart client disabled")
		} else {
			deps.Charts = client
		}
	}
	return deps
}
