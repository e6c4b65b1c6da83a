package portal

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/telemetry"
)

// UnreadCountHandler proxies the unread notification count
// GET /api/v1/notifications/unread
func (h *Handlers) UnreadCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.api.UnreadCount(c.Request.Context(), accessToken(c))
		if err != nil {
			backendError(c, "notifications.unread", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

// StreamUnreadHandler polls the unread count on a fixed interval and pushes it
// as server-sent events. The count is sent once on connect and then whenever it
// changes. The ticker belongs to the request and stops when the client leaves.
// GET /api/v1/notifications/stream
func (h *Handlers) StreamUnreadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token := accessToken(c)

		telemetry.NotificationStreamsActive.Inc()
		defer telemetry.NotificationStreamsActive.Dec()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()

		last := -1
		poll := func() {
			n, err := h.api.UnreadCount(ctx, token)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("unread count poll failed", "error", err)
				}
				return
			}
			if n != last {
				last = n
				c.SSEvent("unread", gin.H{"count": n})
			}
		}

		poll()
		c.Writer.Flush()
		c.Stream(func(io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
				poll()
				return true
			}
		})
	}
}
