package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"imagepage/internal/domain"
	"imagepage/internal/middleware"
	"imagepage/pkg/zip"
)

const (
	defaultMaxDownloadBytes = 50 << 20
	maxZipRefs              = 32
)

// Download returns one image reference as an attachment. ref may be an http(s)
// URL, a data URI, or the name of a stored upload.
func (a *App) Download(w http.ResponseWriter, r *http.Request) {
	ref := domain.ImageRef(strings.TrimSpace(r.URL.Query().Get("ref")))
	if ref == "" {
		a.fail(w, r, &domain.ValidationError{Field: "ref", Err: domain.ErrUnsupportedRefType})
		return
	}
	contentType, data, err := a.fetchRef(r.Context(), ref)
	if err != nil {
		a.downloadFailed(w, r, ref, err)
		return
	}
	name := downloadName(r.URL.Query().Get("name"), ref, contentType, 0)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type zipRequest struct {
	Refs []domain.ImageRef `json:"refs"`
	Name string            `json:"name"`
}

// DownloadZip bundles every resolvable reference into one archive. References that
// cannot be fetched are skipped and listed in the X-Skipped-Refs header.
func (a *App) DownloadZip(w http.ResponseWriter, r *http.Request) {
	var req zipRequest
	if err := decodeJSON(r, maxRequestBody*8, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if len(req.Refs) == 0 || len(req.Refs) > maxZipRefs {
		a.fail(w, r, &domain.ValidationError{Field: "refs", Err: fmt.Errorf("between 1 and %d references required", maxZipRefs)})
		return
	}

	assets := make([]zip.Asset, 0, len(req.Refs))
	skipped := 0
	for i, ref := range req.Refs {
		contentType, data, err := a.fetchRef(r.Context(), ref)
		if err != nil {
			skipped++
			a.Logger.Warn().Err(err).Int("index", i).Msg("zip: skip reference")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: downloadName("", ref, contentType, i),
			MIME:     contentType,
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.downloadFailed(w, r, "", fmt.Errorf("no reference could be fetched"))
		return
	}

	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "images.zip"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(name)}))
	w.Header().Set("X-Skipped-Refs", fmt.Sprint(skipped))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) fetchRef(ctx context.Context, ref domain.ImageRef) (string, []byte, error) {
	switch {
	case ref.IsDataURI():
		return domain.DecodeDataURI(ref)
	case ref.IsURL():
		return a.fetchURL(ctx, strings.TrimSpace(string(ref)))
	default:
		if a.Uploads == nil {
			return "", nil, domain.ErrUnsupportedRefType
		}
		name := string(ref)
		data, err := a.Uploads.Read(ctx, name)
		if err != nil {
			return "", nil, err
		}
		return domain.MIMEForExt(filepath.Ext(name)), data, nil
	}
}

func (a *App) fetchURL(ctx context.Context, rawURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", nil, &domain.ProviderError{Provider: "download", StatusCode: resp.StatusCode, Body: string(body)}
	}
	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "", nil, fmt.Errorf("%w: %q", errNotImage, contentType)
	}

	limit := a.MaxDownloadBytes
	if limit <= 0 {
		limit = defaultMaxDownloadBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(data)) > limit {
		return "", nil, errTooLarge
	}
	return contentType, data, nil
}

func (a *App) downloadFailed(w http.ResponseWriter, r *http.Request, ref domain.ImageRef, err error) {
	a.Logger.Warn().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Bool("data_uri", ref.IsDataURI()).Msg("download failed")
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, errBlockedAddress):
		status = http.StatusForbidden
	case errors.Is(err, errNotImage):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, errTooLarge):
		status = http.StatusRequestEntityTooLarge
	case !ref.IsURL() && ref != "":
		status, _ = describeError(middleware.LocaleFromContext(r.Context()), err)
		if status >= http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
	}
	a.error(w, status, "download_failed", localize(middleware.LocaleFromContext(r.Context()), msgDownloadFailed))
}

// downloadName picks the attachment filename: the requested one, else the URL's
// last path segment, else image-NN plus an extension for the content type.
func downloadName(requested string, ref domain.ImageRef, contentType string, index int) string {
	if name := path.Base(strings.TrimSpace(requested)); name != "." && name != "/" && name != "" {
		return name
	}
	if ref.IsURL() {
		raw := strings.TrimSpace(string(ref))
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		if base := path.Base(raw); strings.Contains(base, ".") && !strings.Contains(base, ":") {
			return base
		}
	}
	return fmt.Sprintf("image-%02d%s", index+1, zip.ExtForMIME(contentType))
}
