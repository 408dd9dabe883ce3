package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog swaps the default logger for a JSON buffer for one test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		handler    http.HandlerFunc
		wantStatus float64
		wantBytes  float64
	}{
		{
			name:   "implicit 200 with body",
			method: http.MethodGet,
			path:   "/health",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			},
			wantStatus: 200,
			wantBytes:  2,
		},
		{
			name:   "explicit error status",
			method: http.MethodPost,
			path:   "/recordings/missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantStatus: 404,
			wantBytes:  0,
		},
		{
			name:   "second WriteHeader ignored",
			method: http.MethodGet,
			path:   "/recordings",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantStatus: 201,
			wantBytes:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)

			handler := StructuredLogger(tt.handler)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log output: %v", err)
			}
			if entry["method"] != tt.method {
				t.Errorf("method = %v, want %v", entry["method"], tt.method)
			}
			if entry["path"] != tt.path {
				t.Errorf("path = %v, want %v", entry["path"], tt.path)
			}
			if entry["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantStatus)
			}
			if entry["bytes"] != tt.wantBytes {
				t.Errorf("bytes = %v, want %v", entry["bytes"], tt.wantBytes)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("expected duration_ms in log output")
			}
		})
	}
}

func TestWrapResponseWriter(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())
	if w.status != http.StatusOK {
		t.Fatalf("default status = %d, want 200", w.status)
	}

	w.WriteHeader(http.StatusBadRequest)
	if w.status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.status)
	}

	w.Write([]byte("hello"))
	w.Write([]byte(" world"))
	if w.bytes != 11 {
		t.Fatalf("bytes = %d, want 11", w.bytes)
	}
}
