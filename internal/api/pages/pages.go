// Package pages serves the data behind each guarded portal page. Rendering is
// done by the frontend; these handlers only run the route guard and return the
// authorized session and the permission flags the page needs.
package pages

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/auth"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/guard"
	"github.com/knowledge-portal/portal/internal/session"
)

// Page binds a page path to the permission set that guards it
type Page struct {
	Path       string
	Permission auth.PermissionSet
}

// Pages lists every guarded page
var Pages = []Page{
	{Path: "dashboard", Permission: auth.Authenticated},
	{Path: "chat", Permission: auth.Authenticated},
	{Path: "documents", Permission: auth.Authenticated},
	{Path: "admin", Permission: auth.CanViewAdminPage},
	{Path: "admin/sectors", Permission: auth.CanManageSectors},
	{Path: "admin/users", Permission: auth.CanInviteUsers},
	{Path: "admin/audit", Permission: auth.CanViewAuditLog},
}

// Response is the body returned for an authorized page
type Response struct {
	Page    string        `json:"page"`
	Locale  string        `json:"locale"`
	Session *session.View `json:"session"`
	// Bypass is set when the test bypass authorized the page without a session.
	Bypass      bool            `json:"bypass"`
	Permissions map[string]bool `json:"permissions"`
}

// Register mounts GET /:locale/<page> for every page under rg
func Register(rg *gin.RouterGroup, g *guard.Guard, i18n config.I18nConfig) {
	for _, p := range Pages {
		rg.GET("/:locale/"+p.Path, g.RequirePermission(p.Permission), handler(p, i18n))
	}
}

func handler(p Page, i18n config.I18nConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := Response{
			Page:   p.Path,
			Locale: i18n.Resolve(c.Param("locale")),
		}

		s, ok := session.From(c)
		if !ok {
			resp.Bypass = true
			resp.Permissions = permissionsFor(string(auth.RoleAdmin))
			c.JSON(http.StatusOK, resp)
			return
		}

		view := s.View(false)
		resp.Session = &view
		resp.Permissions = permissionsFor(view.Role)
		c.JSON(http.StatusOK, resp)
	}
}

// permissionsFor reports, per named permission set, whether role may use it.
// Pages use it to hide actions the role cannot perform.
func permissionsFor(role string) map[string]bool {
	if !auth.Role(role).Known() {
		role = string(auth.RoleUser)
	}
	out := make(map[string]bool, len(auth.PermissionSets()))
	for _, set := range auth.PermissionSets() {
		out[set.Name()] = set.Allows(role)
	}
	return out
}
