package portal

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/store"
)

type selectSectorRequest struct {
	// SectorID is the sector to select; null clears the selection.
	SectorID *string `json:"sectorId"`
}

// GetUserStoreHandler returns the user store snapshot
// GET /api/v1/store/user
func (h *Handlers) GetUserStoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		u := store.MustUserStore(c.Request.Context())
		c.JSON(http.StatusOK, u.Snapshot())
	}
}

// SelectSectorHandler changes the current sector. The sector must be one the
// store already knows about.
// PUT /api/v1/store/user/current-sector
func (h *Handlers) SelectSectorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectSectorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}

		ctx := c.Request.Context()
		u := store.MustUserStore(ctx)
		if req.SectorID != nil {
			known := slices.ContainsFunc(u.Sectors(), func(s store.SectorSummary) bool {
				return s.ID == *req.SectorID
			})
			if !known {
				fieldError(c, "sectorId", "Unknown sector")
				return
			}
			c.Set(middleware.AuditResourceIDKey, *req.SectorID)
		}

		u.SetCurrentSector(ctx, req.SectorID)
		c.JSON(http.StatusOK, u.Snapshot())
	}
}

// ClearUserStoreHandler drops the user store state and its persisted snapshot
// DELETE /api/v1/store/user
func (h *Handlers) ClearUserStoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		store.MustUserStore(c.Request.Context()).ClearUserData(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
}
