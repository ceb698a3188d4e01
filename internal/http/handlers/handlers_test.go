package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"imagepage/internal/domain"
	"imagepage/internal/events"
	"imagepage/internal/imagegen"
	"imagepage/internal/infra"
	"imagepage/internal/middleware"
	"imagepage/internal/storage"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type stubGenerator struct {
	result *domain.GenerationResult
	err    error
	got    domain.GenerationRequest
}

func (g *stubGenerator) Generate(_ context.Context, req domain.GenerationRequest, _ func(domain.Event)) (*domain.GenerationResult, error) {
	g.got = req
	return g.result, g.err
}

func (g *stubGenerator) Catalog() []imagegen.FlavorInfo {
	return []imagegen.FlavorInfo{{Flavor: domain.FlavorGPT4o, Enabled: true}}
}

type stubTasks struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	startErr error
}

func (s *stubTasks) Start(_ context.Context, req domain.GenerationRequest) (domain.Task, error) {
	if s.startErr != nil {
		return domain.Task{}, s.startErr
	}
	task := domain.Task{ID: "t-1", Flavor: req.Flavor, Status: domain.TaskStatusRunning, Requested: 1, Images: []domain.ImageRef{}}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return task, nil
}

func (s *stubTasks) Get(id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return task, nil
}

func (s *stubTasks) Cancel(id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	task.Status = domain.TaskStatusCanceled
	s.tasks[id] = task
	return task, nil
}

type stubSubscriber struct {
	mu     sync.Mutex
	topics []string
	ch     chan events.Message
}

func (s *stubSubscriber) Subscribe(ch chan events.Message, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.ch = ch
}

func (s *stubSubscriber) Unsubscribe(chan events.Message, string) {}

func newTestApp(t *testing.T, gen *stubGenerator, tasks *stubTasks) *App {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if gen == nil {
		gen = &stubGenerator{}
	}
	if tasks == nil {
		tasks = &stubTasks{tasks: map[string]domain.Task{}}
	}
	return NewApp(Options{
		Config:    &infra.Config{UploadMaxBytes: 1 << 20},
		Generator: gen,
		Tasks:     tasks,
		Uploads:   store,
		Events:    &stubSubscriber{},
	})
}

// testRouter mounts the handlers with the locale and request id middleware they rely on.
func testRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.I18N("zh"))
	r.Get("/v1/flavors", app.Flavors)
	r.Post("/v1/uploads", app.CreateUpload)
	r.Get("/v1/uploads/{name}", app.GetUpload)
	r.Post("/v1/generations", app.CreateGeneration)
	r.Post("/v1/tasks", app.CreateTask)
	r.Get("/v1/tasks/{id}", app.GetTask)
	r.Delete("/v1/tasks/{id}", app.CancelTask)
	r.Get("/v1/tasks/{id}/events", app.TaskEvents)
	r.Get("/v1/download", app.Download)
	r.Post("/v1/download/zip", app.DownloadZip)
	return r
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var env map[string]errorBody
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return env["error"]
}

func TestDescribeError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"empty prompt", &domain.ValidationError{Field: "prompt", Err: domain.ErrEmptyPrompt}, http.StatusBadRequest, "validation"},
		{"flavor", &domain.ValidationError{Field: "flavor", Err: domain.ErrUnsupportedFlavor}, http.StatusUnprocessableEntity, "validation"},
		{"missing env", &domain.ConfigError{Variable: "FAL_KEY"}, http.StatusServiceUnavailable, "config"},
		{"model", &domain.ConfigError{Variable: "COVER_MODEL", Model: "x"}, http.StatusBadRequest, "config"},
		{"provider", &domain.ProviderError{Provider: "openai", StatusCode: 500, Body: "boom"}, http.StatusBadGateway, "provider"},
		{"timeout", &domain.TimeoutError{Elapsed: time.Minute}, http.StatusGatewayTimeout, "timeout"},
		{"parse", &domain.ParseError{Stage: "html_extraction", Err: domain.ErrExtraction}, http.StatusBadGateway, "parse"},
		{"not found", fmt.Errorf("task x: %w", domain.ErrNotFound), http.StatusNotFound, ""},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := describeError("zh", tc.err)
			if status != tc.status {
				t.Fatalf("status = %d, want %d", status, tc.status)
			}
			if tc.code != "" && body.Code != tc.code {
				t.Fatalf("code = %q, want %q", body.Code, tc.code)
			}
			if body.Message == "" {
				t.Fatal("message is empty")
			}
		})
	}
}

func TestDescribeErrorLocalizes(t *testing.T) {
	err := &domain.ValidationError{Field: "prompt", Err: domain.ErrEmptyPrompt}
	if _, body := describeError("zh", err); body.Message != "提示词不能为空！" {
		t.Fatalf("zh message = %q", body.Message)
	}
	if _, body := describeError("en", err); body.Message != "Prompt must not be empty." {
		t.Fatalf("en message = %q", body.Message)
	}
	ref := &domain.ValidationError{Field: "references", Err: domain.ErrMissingReference}
	if _, body := describeError("zh", ref); body.Message != "原图不能为空！" {
		t.Fatalf("reference message = %q", body.Message)
	}
}

func TestDescribeErrorCarriesUpstream(t *testing.T) {
	_, body := describeError("en", &domain.ProviderError{Provider: "fal", StatusCode: 429, Body: "slow down"})
	if body.Upstream == nil || body.Upstream.Status != 429 || body.Upstream.Body != "slow down" {
		t.Fatalf("upstream = %+v", body.Upstream)
	}
}

func TestCreateGeneration(t *testing.T) {
	gen := &stubGenerator{result: &domain.GenerationResult{
		Flavor:    domain.FlavorGPT4o,
		Requested: 2,
		Images:    []domain.ImageRef{"https://x/1.png"},
		Failures:  []domain.VariantFailure{{Variant: 1, Kind: "provider", Message: "down"}},
	}}
	router := testRouter(newTestApp(t, gen, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/generations", strings.NewReader(`{"flavor":"gpt4o","prompt":"cat","variant_count":2}`))
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res domain.GenerationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Images) != 1 || len(res.Failures) != 1 || res.Requested != 2 {
		t.Fatalf("result = %+v", res)
	}
	if gen.got.RequestID != "rid-1" || gen.got.VariantCount != 2 || gen.got.Prompt != "cat" {
		t.Fatalf("generator got %+v", gen.got)
	}
}

func TestCreateGenerationAllFailed(t *testing.T) {
	gen := &stubGenerator{result: &domain.GenerationResult{
		Requested: 1,
		Failures:  []domain.VariantFailure{{Variant: 0, Kind: "timeout", Message: "timed out"}},
	}}
	router := testRouter(newTestApp(t, gen, nil))
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", strings.NewReader(`{"flavor":"kontext","prompt":"cat"}`))
	req.Header.Set("X-Locale", "en")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeError(t, rec.Body.Bytes())
	if body.Code != "all_failed" || len(body.Failures) != 1 || body.Message != "Every variant failed" {
		t.Fatalf("error = %+v", body)
	}
}

func TestCreateGenerationValidationError(t *testing.T) {
	gen := &stubGenerator{err: &domain.ValidationError{Field: "prompt", Err: domain.ErrEmptyPrompt}}
	router := testRouter(newTestApp(t, gen, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", strings.NewReader(`{"flavor":"jimeng"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec.Body.Bytes()); body.Message != "提示词不能为空！" || body.Field != "prompt" {
		t.Fatalf("error = %+v", body)
	}
}

func TestCreateGenerationMalformedBody(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFlavors(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/flavors", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"gpt4o"`) {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func multipartUpload(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadStoresAndServes(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "photo.PNG", pngBytes))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	var img domain.UploadedImage
	if err := json.Unmarshal(rec.Body.Bytes(), &img); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Ext != "png" || img.MIME != "image/png" || len(img.Hash) != 32 || img.URL != "/v1/uploads/"+img.Filename {
		t.Fatalf("uploaded = %+v", img)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "again.png", pngBytes))
	var again domain.UploadedImage
	_ = json.Unmarshal(rec.Body.Bytes(), &again)
	if again.Filename != img.Filename {
		t.Fatalf("same content stored as %q and %q", img.Filename, again.Filename)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, img.URL, nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("serve status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestUploadRejections(t *testing.T) {
	app := newTestApp(t, nil, nil)
	app.Config.UploadMaxBytes = 16
	router := testRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "notes.txt", []byte("plain")))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("text upload status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "big.png", append(append([]byte{}, pngBytes...), make([]byte, 64)...)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large upload status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/uploads/nope.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown upload status = %d", rec.Code)
	}
}

func TestUploadExt(t *testing.T) {
	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	cases := []struct {
		filename string
		data     []byte
		want     string
		ok       bool
	}{
		{"a.png", pngBytes, "png", true},
		{"a.jpg", pngBytes, "png", true},
		{"a.jpeg", jpeg, "jpeg", true},
		{"a", jpeg, "jpg", true},
		{"a.png", []byte("GIF89a"), "", false},
	}
	for _, tc := range cases {
		got, ok := uploadExt(tc.filename, tc.data)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("uploadExt(%q) = %q, %v; want %q, %v", tc.filename, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDownloadDataURI(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	ref := string(domain.DataURI("image/png", pngBytes))
	req := httptest.NewRequest(http.MethodGet, "/v1/download?name=cover.png&ref="+url.QueryEscape(ref), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=cover.png" {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestDownloadURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer upstream.Close()

	app := newTestApp(t, nil, nil)
	app.HTTPClient = upstream.Client()
	router := testRouter(app)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(upstream.URL+"/img/result.png?sig=1"), nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=result.png" {
		t.Fatalf("content disposition = %q", cd)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(upstream.URL+"/missing.png"), nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("missing upstream status = %d", rec.Code)
	}
}

func metadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("SECRET-METADATA-TOKEN"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadRefusesInternalAddresses(t *testing.T) {
	internal := metadataServer(t)
	router := testRouter(newTestApp(t, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(internal.URL+"/latest/meta-data"), nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SECRET") {
		t.Fatalf("internal response leaked: %s", rec.Body.String())
	}

	body, _ := json.Marshal(map[string]any{"refs": []string{internal.URL + "/latest/meta-data"}})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/download/zip", bytes.NewReader(body)))
	if rec.Code == http.StatusOK || strings.Contains(rec.Body.String(), "SECRET") {
		t.Fatalf("zip status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDownloadRejectsNonImageResponse(t *testing.T) {
	upstream := metadataServer(t)
	app := newTestApp(t, nil, nil)
	app.HTTPClient = upstream.Client()
	router := testRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(upstream.URL+"/a.png"), nil))
	if rec.Code != http.StatusUnsupportedMediaType || strings.Contains(rec.Body.String(), "SECRET") {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDownloadRejectsOversizedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer upstream.Close()
	app := newTestApp(t, nil, nil)
	app.HTTPClient = upstream.Client()
	app.MaxDownloadBytes = int64(len(pngBytes)) - 1
	router := testRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(upstream.URL+"/a.png"), nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}

	app.MaxDownloadBytes = int64(len(pngBytes))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download?ref="+url.QueryEscape(upstream.URL+"/a.png"), nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("exact-size status = %d", rec.Code)
	}
}

func TestBlockedIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.16.0.9":      true,
		"192.168.1.1":     true,
		"169.254.169.254": true,
		"0.0.0.0":         true,
		"::1":             true,
		"fe80::1":         true,
		"fd00::1":         true,
		"224.0.0.1":       true,
		"8.8.8.8":         false,
		"2606:4700::1111": false,
	}
	for raw, want := range cases {
		if got := blockedIP(net.ParseIP(raw)); got != want {
			t.Fatalf("blockedIP(%s) = %v, want %v", raw, got, want)
		}
	}
	if err := guardDial("tcp", "127.0.0.1:80", nil); !errors.Is(err, errBlockedAddress) {
		t.Fatalf("guardDial loopback error = %v", err)
	}
	if err := guardDial("tcp", "93.184.216.34:443", nil); err != nil {
		t.Fatalf("guardDial public error = %v", err)
	}
}

func TestDownloadRequiresRef(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDownloadZip(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	body, _ := json.Marshal(map[string]any{
		"refs": []string{
			string(domain.DataURI("image/png", pngBytes)),
			string(domain.DataURI("image/jpeg", []byte("jpg"))),
			"0123456789abcdef0123456789abcdef.png",
		},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/download/zip", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Skipped-Refs") != "1" {
		t.Fatalf("skipped = %q", rec.Header().Get("X-Skipped-Refs"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "image-01.png,image-02.jpg" {
		t.Fatalf("entries = %v", names)
	}
}

func TestDownloadZipRejectsEmpty(t *testing.T) {
	router := testRouter(newTestApp(t, nil, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/download/zip", strings.NewReader(`{"refs":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]domain.Task{}}
	router := testRouter(newTestApp(t, nil, tasks))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"flavor":"gpt4o","prompt":"cat"}`)))
	if rec.Code != http.StatusAccepted || rec.Header().Get("Location") != "/v1/tasks/t-1" {
		t.Fatalf("create status = %d location=%q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/t-1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running"`) {
		t.Fatalf("get status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/tasks/t-1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"canceled"`) {
		t.Fatalf("cancel status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", rec.Code)
	}
}

func TestCreateTaskRejectsSynchronously(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]domain.Task{}, startErr: &domain.ConfigError{Variable: "FAL_KEY"}}
	router := testRouter(newTestApp(t, nil, tasks))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"flavor":"kontext","prompt":"cat"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec.Body.Bytes()); !strings.Contains(body.Message, "FAL_KEY") {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestTaskEventsFinishedTaskSendsSnapshotOnly(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]domain.Task{
		"done": {ID: "done", Status: domain.TaskStatusSucceeded, Images: []domain.ImageRef{"https://x/1.png"}},
	}}
	router := testRouter(newTestApp(t, nil, tasks))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/done/events", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.HasPrefix(out, "event: task\ndata: ") || !strings.Contains(out, `"succeeded"`) {
		t.Fatalf("stream = %q", out)
	}
}

func TestTaskEventsStreamsUntilFinished(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]domain.Task{
		"run": {ID: "run", Status: domain.TaskStatusRunning, Images: []domain.ImageRef{}},
	}}
	app := newTestApp(t, nil, tasks)
	sub := app.Events.(*stubSubscriber)
	srv := httptest.NewServer(testRouter(app))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tasks/run/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// The snapshot is written after subscribing, so reading it means the channel is registered.
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil || !strings.HasPrefix(string(buf[:n]), "event: task") {
		t.Fatalf("first read = %q, %v", buf[:n], err)
	}
	sub.mu.Lock()
	ch := sub.ch
	topics := append([]string(nil), sub.topics...)
	sub.mu.Unlock()
	if len(topics) != 1 || topics[0] != "run" {
		t.Fatalf("subscribed topics = %v", topics)
	}

	ch <- events.Message{Name: string(domain.EventVariantSucceeded), Data: []byte(`{"variant":0}`)}
	ch <- events.Message{Name: string(domain.EventFinished), Data: []byte(`{"status":"succeeded"}`)}

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	stream := string(rest)
	if !strings.Contains(stream, "event: variant_succeeded\ndata: {\"variant\":0}\n\n") ||
		!strings.HasSuffix(stream, "event: finished\ndata: {\"status\":\"succeeded\"}\n\n") {
		t.Fatalf("stream = %q", stream)
	}
}

func TestTaskEventsEndsWhenFinishedEventIsLost(t *testing.T) {
	tasks := &stubTasks{tasks: map[string]domain.Task{
		"run": {ID: "run", Status: domain.TaskStatusRunning, Images: []domain.ImageRef{}},
	}}
	app := newTestApp(t, nil, tasks)
	app.KeepAlive = 20 * time.Millisecond
	sub := app.Events.(*stubSubscriber)
	srv := httptest.NewServer(testRouter(app))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tasks/run/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	if n, err := resp.Body.Read(buf); err != nil || !strings.HasPrefix(string(buf[:n]), "event: task") {
		t.Fatalf("first read = %q, %v", buf[:n], err)
	}
	sub.mu.Lock()
	ch := sub.ch
	sub.mu.Unlock()

	// More ticks than the subscriber buffer holds; whatever does not fit is
	// dropped, and finished is never delivered.
	for i := 0; i < 40; i++ {
		select {
		case ch <- events.Message{Name: string(domain.EventPollTick), Data: []byte(`{"tick":1}`)}:
		default:
		}
	}
	tasks.mu.Lock()
	tasks.tasks["run"] = domain.Task{ID: "run", Status: domain.TaskStatusSucceeded, Images: []domain.ImageRef{"https://x/1.png"}}
	tasks.mu.Unlock()

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("stream did not end after the task finished: %v", err)
	}
	stream := string(rest)
	idx := strings.LastIndex(stream, "event: finished\ndata: ")
	if idx < 0 || !strings.Contains(stream[idx:], `"status":"succeeded"`) || !strings.Contains(stream[idx:], "https://x/1.png") {
		t.Fatalf("stream tail = %q", stream)
	}
}
