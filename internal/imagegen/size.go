package imagegen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"imagepage/internal/domain"
)

// Size is a parsed option of the form WIDTHxHEIGHTx(A:B). The ratio token is optional;
// when absent it is derived from the dimensions.
type Size struct {
	Width  int
	Height int
	Ratio  string
}

// Dimensions returns the WxH form sent to width/height providers.
func (s Size) Dimensions() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// String renders the option form.
func (s Size) String() string {
	return fmt.Sprintf("%dx%dx(%s)", s.Width, s.Height, s.Ratio)
}

var sizePattern = regexp.MustCompile(`^\s*(\d{1,5})\s*[xX×]\s*(\d{1,5})\s*(?:[xX×]\s*\(\s*(\d{1,3})\s*:\s*(\d{1,3})\s*\))?\s*$`)

// ParseSize splits a size option into numeric dimensions and its ratio token.
func ParseSize(raw string) (Size, error) {
	m := sizePattern.FindStringSubmatch(raw)
	if m == nil {
		return Size{}, invalidSize(raw)
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return Size{}, invalidSize(raw)
	}
	size := Size{Width: w, Height: h}
	if m[3] != "" {
		a, _ := strconv.Atoi(m[3])
		b, _ := strconv.Atoi(m[4])
		if a <= 0 || b <= 0 {
			return Size{}, invalidSize(raw)
		}
		size.Ratio = fmt.Sprintf("%d:%d", a, b)
	} else {
		g := gcd(w, h)
		size.Ratio = fmt.Sprintf("%d:%d", w/g, h/g)
	}
	return size, nil
}

// RatioOf strips the parenthesised ratio token from a size option, for aspect-only providers.
func RatioOf(raw string) (string, error) {
	size, err := ParseSize(raw)
	if err != nil {
		return "", err
	}
	return size.Ratio, nil
}

func invalidSize(raw string) error {
	return &domain.ValidationError{Field: "size", Err: fmt.Errorf("%w: %q", domain.ErrInvalidSize, strings.TrimSpace(raw))}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
