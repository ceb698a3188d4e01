package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

// Supported locales; the first is the fallback.
var supportedLocales = []language.Tag{language.Chinese, language.English}

var localeMatcher = language.NewMatcher(supportedLocales)

// I18N stores the negotiated locale ("zh" or "en") in the request context.
func I18N(defaultLocale string) func(http.Handler) http.Handler {
	fallback := normalizeLocale(defaultLocale)
	if fallback == "" {
		fallback = "zh"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, fallback)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string) string {
	if v := normalizeLocale(r.Header.Get("X-Locale")); v != "" {
		return v
	}
	if v := parseAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return "zh"
}

// parseAcceptLanguage matches the header against the supported locales; "" when nothing matches.
func parseAcceptLanguage(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	_, idx, confidence := localeMatcher.Match(tags...)
	if confidence == language.No {
		return ""
	}
	return baseOf(supportedLocales[idx])
}

func normalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	_, idx, confidence := localeMatcher.Match(tag)
	if confidence == language.No {
		return ""
	}
	return baseOf(supportedLocales[idx])
}

func baseOf(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "zh"
}
