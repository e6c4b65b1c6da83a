package portal

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/store"
)

func summaries(sectors []backend.Sector) []store.SectorSummary {
	out := make([]store.SectorSummary, 0, len(sectors))
	for _, s := range sectors {
		out = append(out, store.SectorSummary{ID: s.ID, Name: s.Name})
	}
	return out
}

// ListSectorsHandler refreshes the sector list from the backend, stores it and
// makes sure a valid sector is selected.
// GET /api/v1/sectors
func (h *Handlers) ListSectorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sectors, err := h.api.ListSectors(ctx, accessToken(c))
		if err != nil {
			backendError(c, "sectors.list", err)
			return
		}

		u := store.MustUserStore(ctx)
		list := summaries(sectors)
		u.SetSectors(ctx, list)
		store.EnsureSelectedSector(ctx, u, list)

		c.JSON(http.StatusOK, gin.H{
			"sectors":         sectors,
			"currentSectorId": u.CurrentSectorID(),
		})
	}
}

// CreateSectorHandler creates a sector and adds it to the user store
// POST /api/v1/sectors
func (h *Handlers) CreateSectorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req backend.CreateSectorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}

		ctx := c.Request.Context()
		sector, err := h.api.CreateSector(ctx, accessToken(c), req)
		if err != nil {
			backendError(c, "sectors.create", err)
			return
		}
		c.Set(middleware.AuditResourceIDKey, sector.ID)

		u := store.MustUserStore(ctx)
		list := append(u.Sectors(), store.SectorSummary{ID: sector.ID, Name: sector.Name})
		u.SetSectors(ctx, list)
		store.EnsureSelectedSector(ctx, u, list)

		c.JSON(http.StatusCreated, sector)
	}
}

// DeleteSectorHandler deletes a sector. When it was the selected one the
// selection moves to the first remaining sector, or to none.
// DELETE /api/v1/sectors/:id
func (h *Handlers) DeleteSectorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()
		if err := h.api.DeleteSector(ctx, accessToken(c), id); err != nil {
			backendError(c, "sectors.delete", err)
			return
		}

		u := store.MustUserStore(ctx)
		remaining := make([]store.SectorSummary, 0, len(u.Sectors()))
		for _, s := range u.Sectors() {
			if s.ID != id {
				remaining = append(remaining, s)
			}
		}
		u.SetSectors(ctx, remaining)
		if len(remaining) == 0 {
			u.SetCurrentSector(ctx, nil)
		} else {
			store.EnsureSelectedSector(ctx, u, remaining)
		}

		c.Status(http.StatusNoContent)
	}
}
