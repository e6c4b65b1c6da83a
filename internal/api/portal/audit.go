package portal

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/db/repositories"
)

// optionalQuery returns a pointer to the query value, or nil when it is empty
func optionalQuery(c *gin.Context, key string) *string {
	if v := c.Query(key); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, key string) (*time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// ListAuditLogsHandler lists audit entries, newest first
// GET /api/v1/audit?page=1&per_page=20&action=&user_id=&resource_type=&start_date=&end_date=
func (h *Handlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Audit log is not available",
			})
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}

		filters := repositories.AuditFilters{
			UserID:       optionalQuery(c, "user_id"),
			Action:       optionalQuery(c, "action"),
			ResourceType: optionalQuery(c, "resource_type"),
		}
		var ok bool
		if filters.StartDate, ok = optionalTime(c, "start_date"); !ok {
			fieldError(c, "start_date", "start_date must be an RFC 3339 timestamp")
			return
		}
		if filters.EndDate, ok = optionalTime(c, "end_date"); !ok {
			fieldError(c, "end_date", "end_date must be an RFC 3339 timestamp")
			return
		}

		logs, total, err := h.audit.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			slog.Error("failed to list audit logs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list audit logs",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}
