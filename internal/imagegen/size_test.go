package imagegen

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"imagepage/internal/domain"
)

func TestParseSizeCatalogOptions(t *testing.T) {
	for _, flavor := range []domain.Flavor{domain.FlavorJimeng, domain.FlavorGPT4o, domain.FlavorCover} {
		for _, option := range SizeOptions(flavor) {
			size, err := ParseSize(option)
			if err != nil {
				t.Fatalf("ParseSize(%q) error: %v", option, err)
			}
			if size.String() != option {
				t.Fatalf("ParseSize(%q).String() = %q", option, size.String())
			}
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		width  int
		height int
		ratio  string
	}{
		{name: "with ratio", input: "3024x1296x(21:9)", width: 3024, height: 1296, ratio: "21:9"},
		{name: "spaces", input: " 1024 x 576 x ( 16:9 ) ", width: 1024, height: 576, ratio: "16:9"},
		{name: "derived ratio", input: "1536x1024", width: 1536, height: 1024, ratio: "3:2"},
		{name: "upper x", input: "800X1200X(2:3)", width: 800, height: 1200, ratio: "2:3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			size, err := ParseSize(tc.input)
			if err != nil {
				t.Fatalf("ParseSize(%q) error: %v", tc.input, err)
			}
			if size.Width != tc.width || size.Height != tc.height || size.Ratio != tc.ratio {
				t.Fatalf("ParseSize(%q) = %+v", tc.input, size)
			}
		})
	}
}

func TestParseSizeRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "1024", "axb", "0x100", "100x0", "100x100x(0:1)", "100x100x16:9", "-1x5"} {
		_, err := ParseSize(input)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) || !errors.Is(err, domain.ErrInvalidSize) {
			t.Fatalf("ParseSize(%q) error = %v, want ValidationError wrapping ErrInvalidSize", input, err)
		}
	}
}

func TestRatioOfStripsParentheses(t *testing.T) {
	ratio, err := RatioOf("1440x2560x(9:16)")
	if err != nil {
		t.Fatalf("RatioOf error: %v", err)
	}
	if ratio != "9:16" {
		t.Fatalf("ratio = %q, want 9:16", ratio)
	}
}

func TestParseSizeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 99999).Draw(t, "w")
		h := rapid.IntRange(1, 99999).Draw(t, "h")
		a := rapid.IntRange(1, 999).Draw(t, "a")
		b := rapid.IntRange(1, 999).Draw(t, "b")
		raw := fmt.Sprintf("%dx%dx(%d:%d)", w, h, a, b)

		size, err := ParseSize(raw)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", raw, err)
		}
		if size.Width != w || size.Height != h {
			t.Fatalf("ParseSize(%q) = %dx%d", raw, size.Width, size.Height)
		}
		if size.Ratio != fmt.Sprintf("%d:%d", a, b) {
			t.Fatalf("ratio = %q", size.Ratio)
		}
	})
}
