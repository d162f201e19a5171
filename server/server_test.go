package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"shielded/batch"
	"shielded/intake"
	"shielded/internal/testmedia"
	"shielded/logger"
	"shielded/model"
	"shielded/sanitizer"

	"github.com/gin-gonic/gin"
)

func init() {
	logger.Init("error")
	gin.SetMode(gin.TestMode)
}

type uploadFile struct {
	name        string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, files []uploadFile, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+f.name+`"`)
		if f.contentType != "" {
			h.Set("Content-Type", f.contentType)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return body, w.FormDataContentType()
}

type sanitizeEnvelope struct {
	Success bool             `json:"success"`
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    sanitizeResponse `json:"data"`
}

var fixedNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestServer(opts Options) *Server {
	engine := sanitizer.New(sanitizer.Options{
		Now:  func() time.Time { return fixedNow },
		Rand: sanitizer.NewRand(7),
	})
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return New(batch.New(engine, batch.Options{}), opts)
}

func postSanitize(t *testing.T, s *Server, files []uploadFile, fields map[string]string) (*httptest.ResponseRecorder, sanitizeEnvelope) {
	t.Helper()
	body, contentType := multipartBody(t, files, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sanitize", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env sanitizeEnvelope
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	s := newTestServer(Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
	var health struct {
		ImageTypes []string `json:"image_types"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !slices.Contains(health.ImageTypes, "image/jpeg") || !slices.Contains(health.ImageTypes, "image/webp") {
		t.Fatalf("unexpected image types: %v", health.ImageTypes)
	}
}

func TestSanitizeAndDownload(t *testing.T) {
	var mu sync.Mutex
	var recorded []string
	var rejected []intake.Rejection
	s := newTestServer(Options{
		OnResult: func(pf *model.ProcessedFile) {
			mu.Lock()
			recorded = append(recorded, pf.Input.Name)
			mu.Unlock()
		},
		OnRejection: func(r intake.Rejection) { rejected = append(rejected, r) },
	})

	photo := testmedia.WithEXIF(testmedia.JPEG(32, 24, 90), testmedia.EXIF{Make: "Canon", Model: "Canon EOS R5", GPS: true, Lat: 48.8584, Lon: 2.2945})
	rec, env := postSanitize(t, s, []uploadFile{
		{name: "photo.jpg", contentType: "image/jpeg", data: photo},
		{name: "notes.txt", contentType: "text/plain", data: []byte("hello")},
	}, map[string]string{"remove_gps": "true", "safe_mode": "1"})

	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	if !env.Data.Options.RemoveGPS || !env.Data.Options.SafeMode || env.Data.Options.ChangeDates {
		t.Fatalf("unexpected options: %+v", env.Data.Options)
	}
	if len(env.Data.Rejections) != 1 || env.Data.Rejections[0].Reason != intake.ReasonUnsupportedType {
		t.Fatalf("expected txt rejection, got %+v", env.Data.Rejections)
	}
	if len(rejected) != 1 || len(recorded) != 1 {
		t.Fatalf("expected observers to run, got rejections=%d results=%d", len(rejected), len(recorded))
	}
	if len(env.Data.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(env.Data.Results))
	}
	res := env.Data.Results[0]
	if res.Status != model.StatusCompleted || res.OutputName != "shielded_photo.jpg" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Report == nil || res.Report.HasGPS || res.Report.Location != sanitizer.StrippedLocation || !res.Report.SafeModeApplied {
		t.Fatalf("unexpected report: %+v", res.Report)
	}
	if res.Report.AnalysisSource != model.SourceFallback {
		t.Fatalf("expected fallback analysis, got %s", res.Report.AnalysisSource)
	}

	dl := httptest.NewRecorder()
	s.Handler().ServeHTTP(dl, httptest.NewRequest(http.MethodGet, res.DownloadURL, nil))
	if dl.Code != http.StatusOK {
		t.Fatalf("download failed: %d %s", dl.Code, dl.Body.String())
	}
	if ct := dl.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(dl.Header().Get("Content-Disposition"), "shielded_photo.jpg") {
		t.Fatalf("unexpected disposition %q", dl.Header().Get("Content-Disposition"))
	}
	if bytes.Contains(dl.Body.Bytes(), []byte("Canon EOS R5")) {
		t.Fatal("downloaded file still carries camera metadata")
	}
	if _, err := jpeg.Decode(bytes.NewReader(dl.Body.Bytes())); err != nil {
		t.Fatalf("downloaded file is not a jpeg: %v", err)
	}
}

func TestSanitizeBatchLimit(t *testing.T) {
	s := newTestServer(Options{Filter: intake.Filter{MaxFiles: 1}})
	png := testmedia.PNG(4, 4)
	_, env := postSanitize(t, s, []uploadFile{
		{name: "a.png", data: png},
		{name: "b.png", data: png},
	}, nil)
	if len(env.Data.Results) != 1 || env.Data.Results[0].Name != "a.png" {
		t.Fatalf("expected only the first file processed, got %+v", env.Data.Results)
	}
	if len(env.Data.Rejections) != 1 || env.Data.Rejections[0].Reason != "Batch limit of 1 files reached" {
		t.Fatalf("unexpected rejections: %+v", env.Data.Rejections)
	}
}

func TestSanitizeSniffsMislabeledUpload(t *testing.T) {
	s := newTestServer(Options{})
	_, env := postSanitize(t, s, []uploadFile{
		{name: "../../etc/picture.bin", contentType: "application/octet-stream", data: testmedia.PNG(4, 4)},
	}, nil)
	if len(env.Data.Results) != 1 {
		t.Fatalf("expected sniffed png to be accepted, got %+v", env.Data)
	}
	res := env.Data.Results[0]
	if res.Name != "picture.bin" || res.OutputName != "shielded_picture.bin" || res.MimeType != "image/png" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSanitizeBadRequests(t *testing.T) {
	s := newTestServer(Options{})

	rec, _ := postSanitize(t, s, nil, map[string]string{"safe_mode": "true"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without files, got %d", rec.Code)
	}

	rec, _ = postSanitize(t, s, []uploadFile{{name: "a.png", data: testmedia.PNG(2, 2)}}, map[string]string{"remove_gps": "maybe"})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "remove_gps") {
		t.Fatalf("expected 400 for bad option, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sanitize", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}
}

func TestSanitizeRejectsOversizedBody(t *testing.T) {
	s := newTestServer(Options{MaxRequestBytes: 4096})
	rec, _ := postSanitize(t, s, []uploadFile{
		{name: "big.png", contentType: "image/png", data: bytes.Repeat([]byte{0x42}, 64*1024)},
	}, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}

	rec, env := postSanitize(t, s, []uploadFile{{name: "small.png", data: testmedia.PNG(2, 2)}}, nil)
	if rec.Code != http.StatusOK || len(env.Data.Results) != 1 {
		t.Fatalf("expected small upload to pass, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadMissing(t *testing.T) {
	s := newTestServer(Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStoreExpiry(t *testing.T) {
	now := fixedNow
	store := NewStore(time.Minute, func() time.Time { return now })
	store.Put("a", &model.OutputFile{Name: "a"})
	store.Put("b", &model.OutputFile{Name: "b"})

	if _, ok := store.Get("a"); !ok {
		t.Fatal("expected fresh artifact")
	}
	now = now.Add(time.Minute)
	if _, ok := store.Get("a"); ok {
		t.Fatal("expected artifact to expire at its deadline")
	}
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove the remaining artifact, got %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
