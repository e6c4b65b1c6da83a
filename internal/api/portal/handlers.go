// Package portal implements the authenticated JSON API behind the portal pages:
// the user store, sectors, chat, documents, invitations, notifications and the
// audit log. Every route runs behind the API guard and the store providers, so
// handlers can rely on a session and on mounted stores.
package portal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/db/repositories"
	"github.com/knowledge-portal/portal/internal/session"
)

// AuditLister reads the audit log. *repositories.AuditRepository implements it.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// Handlers serves the portal API
type Handlers struct {
	api          backend.API
	audit        AuditLister
	uploads      config.UploadsConfig
	pollInterval time.Duration
}

// NewHandlers creates the portal handlers. audit may be nil when the portal runs
// without a database; the audit endpoint then answers 503.
func NewHandlers(cfg *config.Config, api backend.API, audit AuditLister) *Handlers {
	registerJSONFieldNames()
	return &Handlers{
		api:          api,
		audit:        audit,
		uploads:      cfg.Uploads,
		pollInterval: cfg.Notifications.PollInterval,
	}
}

var fieldNamesOnce sync.Once

// registerJSONFieldNames makes binding errors report the JSON name of the
// offending field, which is what the pages highlight.
func registerJSONFieldNames() {
	fieldNamesOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}

// accessToken returns the backend bearer token of the request's session
func accessToken(c *gin.Context) string {
	if s, ok := session.From(c); ok {
		return s.AccessToken
	}
	return ""
}

// bindError answers 400 for a request body that failed binding. Validation
// failures name the first offending field.
func bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(fe),
			"field": fe.Field(),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "Invalid request body",
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "Invalid email address"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max":
		return fe.Field() + " is too long"
	case "min":
		return fe.Field() + " is too short"
	}
	return fe.Field() + " is invalid"
}

// fieldError answers 400 for a single invalid field
func fieldError(c *gin.Context, field, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"field": field,
	})
}

// backendError maps a failed backend call to a response. A session without an
// access token is 401, a backend 404 is passed through and everything else is
// a 502 with a stable message.
func backendError(c *gin.Context, op string, err error) {
	if errors.Is(err, backend.ErrNoToken) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Session has no access token",
		})
		return
	}
	if backend.StatusCode(err) == http.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not found",
		})
		return
	}
	slog.Error("backend call failed", "op", op, "error", err)
	c.JSON(http.StatusBadGateway, gin.H{
		"error": "Backend request failed",
	})
}
