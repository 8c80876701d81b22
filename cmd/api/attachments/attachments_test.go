package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	apppkg "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

type fakePresigner struct {
	key string
	err error
}

func (f *fakePresigner) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	f.key = key
	return "https://bucket.example/" + key + "?put", f.err
}

func (f *fakePresigner) PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	f.key = key
	return "https://bucket.example/" + key + "?get", f.err
}

func newApp(objects apppkg.ObjectStore, p Presigner) *apppkg.App {
	gin.SetMode(gin.TestMode)
	cfg := apppkg.Config{Env: "test", MinIOBucket: "chat-files", FileURLTTL: time.Minute}
	a := apppkg.NewApp(cfg, nil, nil, objects, nil)
	a.R.POST("/tickets/:id/files", Upload(a))
	a.R.POST("/tickets/:id/files/presign", Presign(a, p))
	a.R.GET("/tickets/:id/files/:name", Download(a, p))
	return a
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = w.Close()
	return &buf, w.FormDataContentType()
}

func TestUploadAndDownloadFilesystem(t *testing.T) {
	a := newApp(&apppkg.FsObjectStore{Base: t.TempDir()}, nil)

	body, ct := multipartBody(t, "file", "../../notes today.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/tickets/T1/files", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rr.Code, rr.Body.String())
	}
	var up uploaded
	if err := json.Unmarshal(rr.Body.Bytes(), &up); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(up.FileURL, "/tickets/T1/files/") || !strings.HasSuffix(up.FileURL, "-notes today.txt") {
		t.Fatalf("fileUrl = %q", up.FileURL)
	}
	if up.Size != 5 || up.Type != store.TypeFile {
		t.Fatalf("unexpected upload %+v", up)
	}

	rr = httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, strings.ReplaceAll(up.FileURL, " ", "%20"), nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "hello" {
		t.Fatalf("download status = %d body=%q", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "notes today.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	rr = httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tickets/T1/files/missing.txt", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing file status = %d", rr.Code)
	}
}

func TestUploadRejects(t *testing.T) {
	tests := []struct {
		name    string
		objects apppkg.ObjectStore
		ticket  string
		field   string
		want    int
	}{
		{"no store", nil, "T1", "file", http.StatusNotImplemented},
		{"bad ticket", &apppkg.FsObjectStore{Base: t.TempDir()}, "T1.x", "file", http.StatusBadRequest},
		{"missing file", &apppkg.FsObjectStore{Base: t.TempDir()}, "T1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newApp(tt.objects, nil)
			body, ct := multipartBody(t, tt.field, "a.png", "x")
			req := httptest.NewRequest(http.MethodPost, "/tickets/"+tt.ticket+"/files", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()
			a.R.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestPresignAndRedirect(t *testing.T) {
	p := &fakePresigner{}
	a := newApp(nil, p)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tickets/T1/files/presign", strings.NewReader(`{"filename":"shot.png"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("presign status = %d body=%s", rr.Code, rr.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out["type"] != store.TypeImage || !strings.HasPrefix(p.key, "tickets/T1/") {
		t.Fatalf("unexpected presign %v (key %s)", out, p.key)
	}

	rr = httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tickets/T1/files/abc-shot.png", nil))
	if rr.Code != http.StatusFound || !strings.HasSuffix(rr.Header().Get("Location"), "tickets/T1/abc-shot.png?get") {
		t.Fatalf("redirect status = %d location=%q", rr.Code, rr.Header().Get("Location"))
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/tickets/T1/files/presign", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty presign status = %d", rr.Code)
	}

	p.err = errors.New("minio down")
	rr = httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tickets/T1/files/abc-shot.png", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("presign failure status = %d", rr.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":           "report.pdf",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\shot.png`: "shot.png",
		"..hidden":             "hidden",
		"weird<>name?.txt":     "weird__name_.txt",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("123e4567-e89b-12d3-a456-426614174000-report.pdf"); got != "report.pdf" {
		t.Fatalf("got %q", got)
	}
	if got := displayName("plain.txt"); got != "plain.txt" {
		t.Fatalf("got %q", got)
	}
}
