package infra

import (
	"os"
	"strconv"
	"strings"
	"time"

	"imagepage/internal/domain"
)

// Config represents application configuration loaded from environment variables.
// Provider credentials are optional at load time; each flavor checks what it needs
// through Require before dispatching anything.
type Config struct {
	AppEnv             string
	Port               string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	ProviderTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	UploadDir      string
	UploadMaxBytes int64

	OpenAIBaseURL string
	OpenAIAPIKey  string
	JimengModel   string
	GPT4oModel    string

	CoverBaseURL string
	CoverAPIKey  string
	CoverModels  []string
	CoverCounts  map[string]int

	GeminiBaseURL string
	GeminiAPIKey  string
	GeminiModel   string

	FalKey        string
	FalKontextURL string

	ScreenshotBaseURL string

	TranslateBaseURL string
	TranslateProxy   string

	FlowiseURL string

	PollInterval  time.Duration
	PollMaxWait   time.Duration
	TaskRetention time.Duration

	// values holds the raw environment snapshot consulted by Require.
	values map[string]string
}

// Environment variable names referenced by flavors.
const (
	EnvOpenAIBaseURL   = "OPENAI_BASE_URL"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvCoverBaseURL    = "COVER_OPENAI_BASE_URL"
	EnvCoverAPIKey     = "COVER_OPENAI_API_KEY"
	EnvCoverModel      = "COVER_MODEL"
	EnvGeminiBaseURL   = "GEMINI_IMAGE_OPENAI_BASE_URL"
	EnvGeminiAPIKey    = "GEMINI_IMAGE_OPENAI_API_KEY"
	EnvGeminiModel     = "GEMINI_IMAGE_COVER_MODEL"
	EnvFalKey          = "FAL_KEY"
	EnvScreenBaseURL   = "SCREEN_BASE_URL"
	EnvFlowiseURL      = "AICHART_FLOWISE_URL"
	EnvTranslateProxy  = "TRANSLATE_PROXY"
	defaultFalKontext  = "https://queue.fal.run/fal-ai/flux-pro/kontext/max"
	defaultScreenURL   = "http://10.8.0.2:14140"
	defaultTranslateTo = "https://translate.googleapis.com"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	// A synchronous cover request chains a chat call and a screenshot, each bounded
	// by the provider timeout, so the write deadline defaults to cover both.
	providerSeconds := getEnvInt("PROVIDER_TIMEOUT_SECONDS", 180)
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 2*providerSeconds+30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		ProviderTimeout:    time.Second * time.Duration(providerSeconds),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		UploadDir:          getEnv("UPLOAD_DIR", "./uploaded_files"),
		UploadMaxBytes:     int64(getEnvInt("UPLOAD_MAX_BYTES", 10*1024*1024)),
		OpenAIBaseURL:      strings.TrimRight(os.Getenv(EnvOpenAIBaseURL), "/"),
		OpenAIAPIKey:       os.Getenv(EnvOpenAIAPIKey),
		JimengModel:        getEnv("JIMENG_MODEL", "jimeng"),
		GPT4oModel:         getEnv("GPT4O_MODEL", "gpt-4o-image"),
		CoverBaseURL:       strings.TrimRight(getEnv(EnvCoverBaseURL, os.Getenv(EnvOpenAIBaseURL)), "/"),
		CoverAPIKey:        getEnv(EnvCoverAPIKey, os.Getenv(EnvOpenAIAPIKey)),
		GeminiBaseURL:      strings.TrimRight(os.Getenv(EnvGeminiBaseURL), "/"),
		GeminiAPIKey:       os.Getenv(EnvGeminiAPIKey),
		GeminiModel:        os.Getenv(EnvGeminiModel),
		FalKey:             os.Getenv(EnvFalKey),
		FalKontextURL:      getEnv("FAL_KONTEXT_URL", defaultFalKontext),
		ScreenshotBaseURL:  strings.TrimRight(getEnv(EnvScreenBaseURL, defaultScreenURL), "/"),
		TranslateBaseURL:   strings.TrimRight(getEnv("TRANSLATE_BASE_URL", defaultTranslateTo), "/"),
		TranslateProxy:     getEnv(EnvTranslateProxy, os.Getenv("translate_proxy")),
		FlowiseURL:         os.Getenv(EnvFlowiseURL),
		PollInterval:       time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)),
		PollMaxWait:        time.Second * time.Duration(getEnvInt("POLL_MAX_WAIT_SECONDS", 60)),
		TaskRetention:      time.Minute * time.Duration(getEnvInt("TASK_RETENTION_MINUTES", 30)),
	}
	cfg.CoverModels, cfg.CoverCounts = parseCoverModels(os.Getenv(EnvCoverModel), getEnv("COVER_COUNT", "1"))

	cfg.values = map[string]string{
		EnvOpenAIBaseURL: cfg.OpenAIBaseURL,
		EnvOpenAIAPIKey:  cfg.OpenAIAPIKey,
		EnvCoverBaseURL:  cfg.CoverBaseURL,
		EnvCoverAPIKey:   cfg.CoverAPIKey,
		EnvCoverModel:    strings.Join(cfg.CoverModels, ","),
		EnvGeminiBaseURL: cfg.GeminiBaseURL,
		EnvGeminiAPIKey:  cfg.GeminiAPIKey,
		EnvGeminiModel:   cfg.GeminiModel,
		EnvFalKey:        cfg.FalKey,
		EnvScreenBaseURL: cfg.ScreenshotBaseURL,
		EnvFlowiseURL:    cfg.FlowiseURL,
	}

	return cfg, nil
}

// Require returns a ConfigError naming the first unset variable.
func (c *Config) Require(names ...string) error {
	for _, name := range names {
		var v string
		if c != nil && c.values != nil {
			v = c.values[name]
		}
		if strings.TrimSpace(v) == "" {
			return &domain.ConfigError{Variable: name}
		}
	}
	return nil
}

// Set overrides a value consulted by Require. It exists for tests and programmatic setups.
func (c *Config) Set(name, value string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	c.values[name] = value
}

// CoverCount returns how many concurrent variants the cover flavor issues for model.
func (c *Config) CoverCount(model string) int {
	if n, ok := c.CoverCounts[model]; ok && n > 0 {
		return n
	}
	return 1
}

// parseCoverModels pairs COVER_MODEL entries with COVER_COUNT entries by position;
// models without a matching count default to one variant.
func parseCoverModels(models, counts string) ([]string, map[string]int) {
	names := splitList(models)
	rawCounts := strings.Split(counts, ",")
	out := make(map[string]int, len(names))
	for i, name := range names {
		n := 1
		if i < len(rawCounts) {
			if v, err := strconv.Atoi(strings.TrimSpace(rawCounts[i])); err == nil && v > 0 {
				n = v
			}
		}
		out[name] = n
	}
	return names, out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
