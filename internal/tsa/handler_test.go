package tsa_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/tsa"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	a, err := tsa.NewEphemeral(1024)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	tsa.NewHandler(a, zap.NewNop()).Register(r.Group("/dev"))
	return r
}

func TestHandler(t *testing.T) {
	r := newRouter(t)

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        []byte
		wantStatus  int
	}{
		{"granted", http.MethodPost, "/dev/tsa", "application/timestamp-query", query(t, nil), http.StatusOK},
		{"wrong content type", http.MethodPost, "/dev/tsa", "application/json", query(t, nil), http.StatusUnsupportedMediaType},
		{"malformed query", http.MethodPost, "/dev/tsa", "application/timestamp-query", []byte{0x30, 0x00}, http.StatusBadRequest},
		{"certificate", http.MethodGet, "/dev/tsa.crt", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandler_methodNotAllowed(t *testing.T) {
	a, err := tsa.NewEphemeral(1024)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	tsa.NewHandler(a, zap.NewNop()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tsa", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", w.Code)
	}
}

func TestHandler_replyContentType(t *testing.T) {
	r := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/dev/tsa", bytes.NewReader(query(t, nil)))
	req.Header.Set("Content-Type", "application/timestamp-query")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/timestamp-reply" {
		t.Errorf("Content-Type: got %q", ct)
	}
}
