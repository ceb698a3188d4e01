package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"imagepage/internal/domain"
	"imagepage/internal/middleware"
)

const defaultUploadMaxBytes = 10 << 20

func (a *App) uploadLimit() int64 {
	if a.Config != nil && a.Config.UploadMaxBytes > 0 {
		return a.Config.UploadMaxBytes
	}
	return defaultUploadMaxBytes
}

// CreateUpload stores a reference image from the multipart field "file". The stored
// name is the md5 of the content plus the extension, so re-uploads are idempotent.
func (a *App) CreateUpload(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	limit := a.uploadLimit()
	// Leave room for the multipart envelope around the file part.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", localize(locale, msgUploadTooLarge))
			return
		}
		a.error(w, http.StatusBadRequest, "validation", localize(locale, msgUploadMissing))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "validation", localize(locale, msgUploadMissing))
		return
	}
	if int64(len(data)) > limit {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", localize(locale, msgUploadTooLarge))
		return
	}
	if len(data) == 0 {
		a.error(w, http.StatusBadRequest, "validation", localize(locale, msgUploadMissing))
		return
	}

	ext, ok := uploadExt(header.Filename, data)
	if !ok {
		a.error(w, http.StatusUnsupportedMediaType, "validation", localize(locale, msgUploadType))
		return
	}
	img, err := a.Uploads.SaveUpload(r.Context(), data, ext)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	img.URL = "/v1/uploads/" + img.Filename
	a.Logger.Debug().Str("filename", img.Filename).Int64("size", img.Size).Msg("upload stored")
	a.json(w, http.StatusCreated, img)
}

// GetUpload serves a stored reference image.
func (a *App) GetUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := a.Uploads.Read(r.Context(), name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", domain.MIMEForExt(filepath.Ext(name)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// uploadExt keeps the client's extension when the sniffed content agrees with it.
func uploadExt(filename string, data []byte) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch http.DetectContentType(data) {
	case "image/png":
		return "png", true
	case "image/jpeg":
		if ext == "jpeg" {
			return "jpeg", true
		}
		return "jpg", true
	default:
		return "", false
	}
}
