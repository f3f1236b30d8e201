package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoEvent отвечает телом запроса с тем же Content-Type, либо 204 для пустого тела.
func echoEvent(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if len(body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const sessionEvent = `{"session_id":"7f1c0b1e-3d5a-4c36-9d4e-2a7b8c9d0e1f","duration_minutes":60}`

	tests := []struct {
		name            string
		body            string
		compressBody    bool
		acceptEncoding  string
		contentType     string
		wantStatus      int
		wantEncoding    string
		wantContentType string
		wantBody        string
	}{
		{
			name:            "json event, client accepts gzip",
			body:            sessionEvent,
			acceptEncoding:  "gzip",
			contentType:     "application/json",
			wantStatus:      http.StatusAccepted,
			wantEncoding:    "gzip",
			wantContentType: "application/json",
			wantBody:        sessionEvent,
		},
		{
			name:            "gzipped json event",
			body:            sessionEvent,
			compressBody:    true,
			acceptEncoding:  "gzip, deflate",
			contentType:     "application/json",
			wantStatus:      http.StatusAccepted,
			wantEncoding:    "gzip",
			wantContentType: "application/json",
			wantBody:        sessionEvent,
		},
		{
			name:            "gzipped event, plain response",
			body:            sessionEvent,
			compressBody:    true,
			contentType:     "application/json",
			wantStatus:      http.StatusAccepted,
			wantContentType: "application/json",
			wantBody:        sessionEvent,
		},
		{
			name:            "binary content is not compressed",
			body:            "raw",
			acceptEncoding:  "gzip",
			contentType:     "application/octet-stream",
			wantStatus:      http.StatusAccepted,
			wantContentType: "application/octet-stream",
			wantBody:        "raw",
		},
		{
			name:           "no content stays uncompressed",
			acceptEncoding: "gzip",
			wantStatus:     http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.body)
			if tt.compressBody {
				body = gzipBytes(t, tt.body)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/events/session-completed", body)
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoEvent)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.wantStatus)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}
			if tt.wantContentType != "" {
				if ct := res.Header.Get("Content-Type"); ct != tt.wantContentType {
					t.Fatalf("content-type: got %q want %q", ct, tt.wantContentType)
				}
			}

			var reader io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}
			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(got) != tt.wantBody {
				t.Fatalf("body: got %q want %q", got, tt.wantBody)
			}
		})
	}
}

func TestGzipMiddleware_BrokenBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/events/review-received", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatal("next handler must not be called for a broken gzip body")
	}
}

func TestGzipMiddleware_Vary(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/tutors/x/points", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoEvent)).ServeHTTP(w, req)

	if v := w.Header().Get("Vary"); v != "Accept-Encoding" {
		t.Fatalf("vary: got %q want %q", v, "Accept-Encoding")
	}
}
