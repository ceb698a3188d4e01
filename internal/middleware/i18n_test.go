package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDetectLocale(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *http.Request)
		fallback string
		want     string
	}{
		{
			name: "x-locale overrides",
			setup: func(r *http.Request) {
				r.Header.Set("X-Locale", "EN")
				r.Header.Set("Accept-Language", "zh-CN")
			},
			want: "en",
		},
		{
			name: "x-locale region",
			setup: func(r *http.Request) {
				r.Header.Set("X-Locale", "zh-CN")
			},
			fallback: "en",
			want:     "zh",
		},
		{
			name: "accept-language used",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "en-US,en;q=0.9")
			},
			want: "en",
		},
		{
			name: "accept-language zh preference",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
			},
			fallback: "en",
			want:     "zh",
		},
		{
			name: "malformed x-locale falls through",
			setup: func(r *http.Request) {
				r.Header.Set("X-Locale", "@@")
				r.Header.Set("Accept-Language", "en")
			},
			want: "en",
		},
		{
			name:     "configured fallback",
			fallback: "en",
			want:     "en",
		},
		{
			name: "default to zh",
			want: "zh",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			got := detectLocale(req, tc.fallback)
			if got != tc.want {
				t.Fatalf("detectLocale() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestI18NStoresLocale(t *testing.T) {
	var got string
	h := I18N("zh")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "en-GB")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "en" || rec.Header().Get("Content-Language") != "en" {
		t.Fatalf("locale = %q, header = %q", got, rec.Header().Get("Content-Language"))
	}
}

func TestLocaleFromContext(t *testing.T) {
	ctx := context.Background()
	if got := LocaleFromContext(ctx); got != "zh" {
		t.Fatalf("LocaleFromContext() default = %q, want %q", got, "zh")
	}
	ctx = context.WithValue(ctx, LocaleKey, "en")
	if got := LocaleFromContext(ctx); got != "en" {
		t.Fatalf("LocaleFromContext() with value = %q, want %q", got, "en")
	}
}
