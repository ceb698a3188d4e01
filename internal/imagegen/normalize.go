package imagegen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"imagepage/internal/domain"
)

// providerResponse covers both shapes returned by OpenAI compatible gateways:
// images endpoints answer with data[].url, chat endpoints with choices[].message.
type providerResponse struct {
	Data    []dataItem `json:"data"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type dataItem struct {
	URL     string `json:"url"`
	B64JSON string `json:"b64_json"`
}

type chatMessage struct {
	Content json.RawMessage `json:"content"`
	Images  []struct {
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"images"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Data     string          `json:"data"`
	URL      string          `json:"url"`
	ImageURL json.RawMessage `json:"image_url"`
}

// NormalizeImages flattens a provider body into displayable image references.
// It returns a ParseError when the body is not JSON or carries no image.
func NormalizeImages(raw []byte) ([]domain.ImageRef, error) {
	var resp providerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.ParseError{Stage: "normalize", Err: err}
	}

	var images []domain.ImageRef
	switch {
	case len(resp.Data) > 0:
		for _, item := range resp.Data {
			switch {
			case strings.TrimSpace(item.URL) != "":
				images = append(images, domain.ImageRef(strings.TrimSpace(item.URL)))
			case item.B64JSON != "":
				images = append(images, domain.ImageRef("data:image/png;base64,"+item.B64JSON))
			}
		}
	case len(resp.Choices) > 0:
		images = imagesFromMessage(resp.Choices[0].Message)
	}
	if len(images) == 0 {
		return nil, &domain.ParseError{Stage: "normalize", Err: domain.ErrNoImages}
	}
	return images, nil
}

func imagesFromMessage(msg chatMessage) []domain.ImageRef {
	for _, img := range msg.Images {
		if u := strings.TrimSpace(img.ImageURL.URL); u != "" {
			return []domain.ImageRef{domain.ImageRef(u)}
		}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	var images []domain.ImageRef
	for _, block := range blocks {
		kind := strings.ToLower(strings.TrimSpace(block.Type))
		switch {
		case strings.HasPrefix(kind, "image/"):
			value := strings.TrimSpace(firstNonEmpty(blockImageURL(block.ImageURL), block.Data, block.URL))
			if value == "" {
				continue
			}
			if isInlineOrRemote(value) {
				images = append(images, domain.ImageRef(value))
				continue
			}
			images = append(images, domain.ImageRef(fmt.Sprintf("data:%s;base64,%s", kind, value)))
		case kind == "image_url":
			if u := blockImageURL(block.ImageURL); u != "" {
				images = append(images, domain.ImageRef(u))
			}
		}
	}
	return images
}

// blockImageURL accepts both {"image_url":"..."} and {"image_url":{"url":"..."}}.
func blockImageURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.URL)
	}
	return ""
}

func isInlineOrRemote(v string) bool {
	ref := domain.ImageRef(v)
	return ref.IsDataURI() || ref.IsURL()
}

// ChatText returns the assistant text of a chat completion body. Content given
// as blocks is concatenated from its text parts.
func ChatText(raw []byte) (string, error) {
	var resp providerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &domain.ParseError{Stage: "chat_text", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &domain.ParseError{Stage: "chat_text", Err: errors.New("no choices in response")}
	}
	content := resp.Choices[0].Message.Content
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", &domain.ParseError{Stage: "chat_text", Err: err}
	}
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
