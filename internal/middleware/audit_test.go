package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-portal/portal/internal/audit"
	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/session"
)

type memoryAuditWriter struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (m *memoryAuditWriter) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, log)
	return nil
}

func withTestSession(c *gin.Context) {
	session.Set(c, &session.Session{ID: "sid-1", Subject: "auth0|abc", UserID: "user-1", Roles: []string{"admin"}})
	c.Next()
}

func newAuditRouter(rec *audit.Recorder, status int) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(), AuditMiddleware(rec))
	write := func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/sectors" {
			c.Set(AuditResourceIDKey, "s-new")
		}
		c.Status(status)
	}
	r.POST("/api/v1/sectors", withTestSession, write)
	r.DELETE("/api/v1/sectors/:id", withTestSession, write)
	r.GET("/api/v1/sectors", withTestSession, write)
	r.POST("/api/v1/anonymous", write)
	r.PUT("/api/v1/unlisted/:x", withTestSession, write)
	r.POST("/api/v1/auth/refresh", withTestSession, write)
	return r
}

func auditRequest(r *gin.Engine, method, path string) {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(RequestIDHeader, "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)
}

func TestAuditMiddleware_RecordsSuccessfulWrites(t *testing.T) {
	w := &memoryAuditWriter{}
	rec := audit.NewRecorder(w, nil)
	r := newAuditRouter(rec, http.StatusCreated)

	auditRequest(r, http.MethodPost, "/api/v1/sectors")
	auditRequest(r, http.MethodDelete, "/api/v1/sectors/s-9")
	rec.Wait()

	require.Len(t, w.entries, 2)
	byAction := map[string]*models.AuditLog{}
	for _, e := range w.entries {
		byAction[e.Action] = e
	}

	created := byAction["sector.create"]
	require.NotNil(t, created)
	assert.Equal(t, "s-new", *created.ResourceID)
	assert.Equal(t, "sector", *created.ResourceType)
	assert.Equal(t, "user-1", *created.UserID)
	assert.Equal(t, "req-7", *created.RequestID)
	assert.Equal(t, http.StatusCreated, *created.StatusCode)

	deleted := byAction["sector.delete"]
	require.NotNil(t, deleted)
	assert.Equal(t, "s-9", *deleted.ResourceID)
}

func TestAuditMiddleware_UnlistedRouteFallsBack(t *testing.T) {
	w := &memoryAuditWriter{}
	rec := audit.NewRecorder(w, nil)
	auditRequest(newAuditRouter(rec, http.StatusOK), http.MethodPut, "/api/v1/unlisted/1")
	rec.Wait()

	require.Len(t, w.entries, 1)
	assert.Equal(t, "put /api/v1/unlisted/:x", w.entries[0].Action)
	assert.Nil(t, w.entries[0].ResourceType)
}

func TestAuditMiddleware_Skips(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"read", http.MethodGet, "/api/v1/sectors", http.StatusOK},
		{"failed write", http.MethodPost, "/api/v1/sectors", http.StatusBadGateway},
		{"anonymous", http.MethodPost, "/api/v1/anonymous", http.StatusOK},
		{"auth route", http.MethodPost, "/api/v1/auth/refresh", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &memoryAuditWriter{}
			rec := audit.NewRecorder(w, nil)
			auditRequest(newAuditRouter(rec, tt.status), tt.method, tt.path)
			rec.Wait()
			assert.Empty(t, w.entries)
		})
	}
}

func TestAuditMiddleware_DisabledRecorder(t *testing.T) {
	r := newAuditRouter(audit.NewRecorder(nil, nil), http.StatusCreated)
	auditRequest(r, http.MethodPost, "/api/v1/sectors")
}
