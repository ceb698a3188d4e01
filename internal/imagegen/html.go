package imagegen

import (
	"regexp"

	"imagepage/internal/domain"
)

var (
	doctypeDocument = regexp.MustCompile(`(?is)<!DOCTYPE html>.*?<html.*?>.*?</html>`)
	bareDocument    = regexp.MustCompile(`(?is)<html.*?>.*?</html>`)
)

// ExtractHTML returns the first complete HTML document embedded in free text,
// preferring one that starts with a doctype.
func ExtractHTML(text string) (string, error) {
	if m := doctypeDocument.FindString(text); m != "" {
		return m, nil
	}
	if m := bareDocument.FindString(text); m != "" {
		return m, nil
	}
	return "", &domain.ParseError{Stage: "html_extraction", Err: domain.ErrExtraction}
}
