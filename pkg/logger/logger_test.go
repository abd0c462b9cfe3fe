package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewWithWriter_TagsService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "production", "dispatcher")
	l.Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "dispatcher" {
		t.Fatalf("expected service attr, got %v", line["service"])
	}
}

func TestNewWithWriter_DebugOnlyLocally(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "production", "").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug suppressed in production")
	}
	NewWithWriter(&buf, "local", "").Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected debug line locally")
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "local", "")))

	var sawCtxLogger bool
	r.GET("/x", func(c *gin.Context) {
		sawCtxLogger = From(c.Request.Context()) == FromGin(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "rid-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	if !sawCtxLogger {
		t.Fatalf("expected request logger in request context")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"request_id":"rid-1"`)) {
		t.Fatalf("expected request_id in log: %s", buf.String())
	}
}
