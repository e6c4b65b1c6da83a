package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newRequestIDRouter echoes the id seen by the handler in two headers: one read
// from the gin context, one from the request context.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", RequestID(c))
		c.Header("X-Std-Context-Request-ID", RequestIDFromContext(c.Request.Context()))
		c.Status(http.StatusOK)
	})
	return r
}

func serveWithRequestID(r *gin.Engine, inbound string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequestIDMiddleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware_GeneratesUUIDWhenAbsent(t *testing.T) {
	w := serveWithRequestID(newRequestIDRouter(), "")

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated request id %q is not a UUID: %v", id, err)
	}
}

func TestRequestIDMiddleware_UniquePerRequest(t *testing.T) {
	r := newRequestIDRouter()
	a := serveWithRequestID(r, "").Header().Get(RequestIDHeader)
	b := serveWithRequestID(r, "").Header().Get(RequestIDHeader)
	if a == b {
		t.Errorf("two requests got the same id %q", a)
	}
}

func TestRequestIDMiddleware_ReusesInboundID(t *testing.T) {
	w := serveWithRequestID(newRequestIDRouter(), "lb-trace-123")

	if got := w.Header().Get(RequestIDHeader); got != "lb-trace-123" {
		t.Errorf("response id = %q, want lb-trace-123", got)
	}
	if got := w.Header().Get("X-Context-Request-ID"); got != "lb-trace-123" {
		t.Errorf("gin context id = %q, want lb-trace-123", got)
	}
	if got := w.Header().Get("X-Std-Context-Request-ID"); got != "lb-trace-123" {
		t.Errorf("request context id = %q, want lb-trace-123", got)
	}
}

func TestRequestIDMiddleware_ReplacesUnsafeInboundID(t *testing.T) {
	tests := map[string]string{
		"too long":       strings.Repeat("a", maxRequestIDLen+1),
		"contains ctrl":  "abc\x01def",
		"contains space": "abc def",
	}
	for name, inbound := range tests {
		t.Run(name, func(t *testing.T) {
			// Header values with control chars cannot go through net/http, so
			// exercise the validator directly for those.
			if validRequestID(inbound) {
				t.Errorf("validRequestID(%q) = true, want false", inbound)
			}
		})
	}

	w := serveWithRequestID(newRequestIDRouter(), strings.Repeat("x", 100))
	if got := w.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("oversized inbound id was kept: %q", got)
	}
}
