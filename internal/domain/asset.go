package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ImageRef is a displayable image: either a fetchable URL or an inline data URI.
type ImageRef string

// IsDataURI reports whether the reference carries its bytes inline.
func (r ImageRef) IsDataURI() bool {
	return strings.HasPrefix(strings.TrimSpace(string(r)), "data:")
}

// IsURL reports whether the reference points at a remote http(s) resource.
func (r ImageRef) IsURL() bool {
	lower := strings.ToLower(strings.TrimSpace(string(r)))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DataURI wraps raw bytes as data:<mime>;base64,<payload>.
func DataURI(mime string, data []byte) ImageRef {
	return ImageRef(fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)))
}

// DecodeDataURI splits a base64 data URI into its media type and decoded bytes.
func DecodeDataURI(ref ImageRef) (string, []byte, error) {
	raw := strings.TrimSpace(string(ref))
	if !strings.HasPrefix(raw, "data:") {
		return "", nil, ErrUnsupportedRefType
	}
	header, payload, ok := strings.Cut(raw[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("data uri: missing payload separator")
	}
	mime, params, _ := strings.Cut(header, ";")
	if mime == "" {
		mime = "text/plain"
	}
	if !strings.Contains(params, "base64") {
		return mime, []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("data uri: %w", err)
	}
	return mime, data, nil
}

// UploadedImage is a reference image stored under its content hash.
type UploadedImage struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Ext      string `json:"ext"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// MIMEForExt maps an upload extension to the media type used in data URIs.
// Only png is distinguished; everything else is sent as jpeg.
func MIMEForExt(ext string) string {
	if strings.EqualFold(strings.TrimPrefix(ext, "."), "png") {
		return "image/png"
	}
	return "image/jpeg"
}
