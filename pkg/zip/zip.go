package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

type Asset struct {
	Filename string
	MIME     string
	Data     []byte
}

// Write streams assets into a zip archive on w. Duplicate names get a numeric
// suffix so no entry shadows another.
func Write(w io.Writer, assets []Asset) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(assets))
	for i, asset := range assets {
		name := entryName(asset, i, seen)
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()}
		if isCompressed(asset.MIME) {
			hdr.Method = zip.Store
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", name, err)
		}
		if _, err := fw.Write(asset.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", name, err)
		}
	}
	return zw.Close()
}

// ArchiveAssets returns the archive bytes of assets.
func ArchiveAssets(assets []Asset) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := Write(buf, assets); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtForMIME returns the file extension used for an image media type.
func ExtForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}

func entryName(asset Asset, index int, seen map[string]int) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(asset.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("image-%02d%s", index+1, ExtForMIME(asset.MIME))
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n+1, ext)
}

func isCompressed(mime string) bool {
	switch ExtForMIME(mime) {
	case ".png", ".jpg", ".webp", ".gif":
		return true
	}
	return false
}
