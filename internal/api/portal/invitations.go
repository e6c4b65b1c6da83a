package portal

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/auth"
	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/session"
)

type inviteRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Role     string `json:"role" binding:"required,oneof=admin manager user"`
	SectorID string `json:"sectorId,omitempty" binding:"max=100"`
}

// InviteUserHandler invites a user. Admins may invite any role, managers only
// users.
// POST /api/v1/invitations
func (h *Handlers) InviteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inviteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}

		s, _ := session.From(c)
		inviter := auth.RoleUser
		if s != nil && auth.Role(s.EffectiveRole()).Known() {
			inviter = auth.Role(s.EffectiveRole())
		}
		if !auth.CanInvite(inviter, auth.Role(req.Role)) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "You cannot invite users with this role",
				"field": "role",
			})
			return
		}

		inv, err := h.api.Invite(c.Request.Context(), accessToken(c), backend.InviteRequest{
			Email:    req.Email,
			Role:     req.Role,
			SectorID: req.SectorID,
		})
		if err != nil {
			backendError(c, "users.invite", err)
			return
		}
		c.Set(middleware.AuditResourceIDKey, inv.ID)
		c.JSON(http.StatusCreated, inv)
	}
}
