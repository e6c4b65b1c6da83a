// audit.go provides Gin middleware that records successful authenticated write
// operations to the audit log.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/audit"
	"github.com/knowledge-portal/portal/internal/session"
)

// AuditResourceIDKey lets a handler name the resource it created, e.g. the id
// the backend assigned to a new sector.
const AuditResourceIDKey = "audit_resource_id"

type auditRoute struct {
	action   string
	resource string
	idParam  string
}

// auditRoutes maps "METHOD route-template" to a stable action name. Writes on
// routes not listed here are recorded as "<method> <route>".
var auditRoutes = map[string]auditRoute{
	"POST /api/v1/sectors":                  {"sector.create", "sector", ""},
	"DELETE /api/v1/sectors/:id":            {"sector.delete", "sector", "id"},
	"POST /api/v1/documents":                {"document.upload", "document", ""},
	"DELETE /api/v1/documents/:id":          {"document.delete", "document", "id"},
	"POST /api/v1/invitations":              {"invitation.create", "invitation", ""},
	"POST /api/v1/chat/messages":            {"chat.message", "conversation", ""},
	"DELETE /api/v1/chat":                   {"chat.reset", "conversation", ""},
	"PUT /api/v1/store/user/current-sector": {"store.select_sector", "sector", ""},
	"DELETE /api/v1/store/user":             {"store.clear", "store", ""},
}

// AuditMiddleware records every successful write made with a session. Reads,
// failed requests and anonymous requests are not recorded; sign-in and
// sign-out are recorded by the auth handlers themselves.
func AuditMiddleware(recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !recorder.Enabled() {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			return
		}
		route := c.FullPath()
		if route == "" || strings.HasPrefix(route, "/api/v1/auth/") {
			return
		}
		s, ok := session.From(c)
		if !ok {
			return
		}

		target, known := auditRoutes[c.Request.Method+" "+route]
		if !known {
			target = auditRoute{action: strings.ToLower(c.Request.Method) + " " + route}
		}

		entry := audit.FromSession(s, target.action)
		if target.resource != "" {
			entry.ResourceType = &target.resource
		}
		resourceID := c.GetString(AuditResourceIDKey)
		if resourceID == "" && target.idParam != "" {
			resourceID = c.Param(target.idParam)
		}
		if resourceID != "" {
			entry.ResourceID = &resourceID
		}
		ip := c.ClientIP()
		entry.IPAddress = &ip
		entry.StatusCode = &status
		if id := RequestID(c); id != "" {
			entry.RequestID = &id
		}

		recorder.Record(entry)
	}
}
