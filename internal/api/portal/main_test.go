package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/db/repositories"
	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/session"
	"github.com/knowledge-portal/portal/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testNamespace = "portal-user-store"

// ---------------------------------------------------------------------------
// fakeAPI
// ---------------------------------------------------------------------------

type uploaded struct {
	filename    string
	contentType string
	sectorID    string
	body        []byte
}

type fakeAPI struct {
	mu sync.Mutex

	sectors   []backend.Sector
	listErr   error
	createErr error
	deleteErr error

	chatResp *backend.ChatResponse
	chatErr  error
	chatReqs []backend.ChatRequest

	uploadErr   error
	uploads     []uploaded
	docs        []backend.Document
	docsSector  string
	deletedDocs []string

	invites []backend.InviteRequest

	unread      int
	unreadErr   error
	unreadCalls int
}

func noToken(op, token string) error {
	if token == "" {
		return &backend.Error{Op: op, Err: backend.ErrNoToken}
	}
	return nil
}

func (f *fakeAPI) ListSectors(_ context.Context, token string) ([]backend.Sector, error) {
	if err := noToken("sectors.list", token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]backend.Sector{}, f.sectors...), nil
}

func (f *fakeAPI) CreateSector(_ context.Context, token string, req backend.CreateSectorRequest) (*backend.Sector, error) {
	if err := noToken("sectors.create", token); err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &backend.Sector{ID: "s-new", Name: req.Name, Description: req.Description}, nil
}

func (f *fakeAPI) DeleteSector(_ context.Context, token, _ string) error {
	if err := noToken("sectors.delete", token); err != nil {
		return err
	}
	return f.deleteErr
}

func (f *fakeAPI) SendChat(_ context.Context, token string, req backend.ChatRequest) (*backend.ChatResponse, error) {
	if err := noToken("chat.send", token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReqs = append(f.chatReqs, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatResp, nil
}

func (f *fakeAPI) UploadDocument(_ context.Context, token string, up backend.Upload) (*backend.Document, error) {
	if err := noToken("documents.upload", token); err != nil {
		return nil, err
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	body, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploaded{up.Filename, up.ContentType, up.SectorID, body})
	return &backend.Document{ID: "d-1", Filename: up.Filename, SectorID: up.SectorID}, nil
}

func (f *fakeAPI) ListDocuments(_ context.Context, token, sectorID string) ([]backend.Document, error) {
	if err := noToken("documents.list", token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docsSector = sectorID
	return append([]backend.Document{}, f.docs...), nil
}

func (f *fakeAPI) DeleteDocument(_ context.Context, token, id string) error {
	if err := noToken("documents.delete", token); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDocs = append(f.deletedDocs, id)
	return nil
}

func (f *fakeAPI) Invite(_ context.Context, token string, req backend.InviteRequest) (*backend.Invitation, error) {
	if err := noToken("users.invite", token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, req)
	return &backend.Invitation{ID: "inv-1", Email: req.Email, Role: req.Role, Status: "pending"}, nil
}

func (f *fakeAPI) UnreadCount(_ context.Context, token string) (int, error) {
	if err := noToken("notifications.unread", token); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadCalls++
	return f.unread, f.unreadErr
}

func (f *fakeAPI) setUnread(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = n
}

func (f *fakeAPI) Health(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// fakeAudit
// ---------------------------------------------------------------------------

type fakeAudit struct {
	filters repositories.AuditFilters
	limit   int
	offset  int
	logs    []*models.AuditLog
	err     error
}

func (f *fakeAudit) ListAuditLogs(_ context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	f.filters, f.limit, f.offset = filters, limit, offset
	return f.logs, len(f.logs), f.err
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

type testEnv struct {
	router  *gin.Engine
	api     *fakeAPI
	audit   *fakeAudit
	kv      *kv.Memory
	users   *store.UserRegistry
	chats   *store.ChatRegistry
	session *session.Session
}

func testConfig() *config.Config {
	return &config.Config{
		Uploads: config.UploadsConfig{
			MaxBytes: 4 << 10,
			AllowedTypes: []string{
				"application/pdf",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"text/plain",
				"text/markdown",
				"text/csv",
			},
		},
		Notifications: config.NotificationsConfig{PollInterval: 10 * time.Millisecond},
	}
}

func newEnv(t *testing.T, roles ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		api:   &fakeAPI{},
		audit: &fakeAudit{},
		kv:    kv.NewMemory(),
		chats: store.NewChatRegistry(10, time.Hour),
		session: &session.Session{
			ID:          "sid-1",
			Subject:     "auth0|ada",
			UserID:      "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
			Roles:       roles,
			AccessToken: "access-token",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	env.users = store.NewUserRegistry(env.kv, testNamespace, time.Hour, 10, time.Hour)
	h := NewHandlers(testConfig(), env.api, env.audit)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		session.Set(c, env.session)
		c.Next()
	})
	g := r.Group("/api/v1", store.ProvideUserStore(env.users), store.ProvideChatStore(env.chats))
	g.GET("/store/user", h.GetUserStoreHandler())
	g.PUT("/store/user/current-sector", h.SelectSectorHandler())
	g.DELETE("/store/user", h.ClearUserStoreHandler())
	g.GET("/sectors", h.ListSectorsHandler())
	g.POST("/sectors", h.CreateSectorHandler())
	g.DELETE("/sectors/:id", h.DeleteSectorHandler())
	g.GET("/chat", h.GetChatHandler())
	g.POST("/chat/messages", h.SendMessageHandler())
	g.DELETE("/chat", h.ResetChatHandler())
	g.POST("/documents", h.UploadDocumentHandler())
	g.GET("/documents", h.ListDocumentsHandler())
	g.DELETE("/documents/:id", h.DeleteDocumentHandler())
	g.POST("/invitations", h.InviteUserHandler())
	g.GET("/notifications/unread", h.UnreadCountHandler())
	g.GET("/notifications/stream", h.StreamUnreadHandler())
	g.GET("/audit", h.ListAuditLogsHandler())
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doRequest(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// userStore hydrates a fresh view of the persisted user store, independent of
// the instance the handlers share
func (e *testEnv) userStore(t *testing.T) *store.UserStore {
	t.Helper()
	u := store.NewUserStore(e.kv, store.UserStoreKey(testNamespace, e.session.ID), time.Hour)
	u.Hydrate(context.Background())
	return u
}

// seed sets sectors and a selection on the session's shared user store
func (e *testEnv) seed(t *testing.T, current *string, sectors ...store.SectorSummary) {
	t.Helper()
	u := e.users.Get(context.Background(), e.session.ID)
	u.SetSectors(context.Background(), sectors)
	u.SetCurrentSector(context.Background(), current)
}

func ptr(s string) *string { return &s }

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) (msg, field string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	decode(t, w, &body)
	return body.Error, body.Field
}
