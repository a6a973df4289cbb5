package console

import (
	"github.com/gin-gonic/gin"
	"github.com/marketlink/connect-console/internal/audit"
	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/middleware"
	"github.com/marketlink/connect-console/internal/oauthflow"
)

// AuditRecorder receives connection lifecycle events.
type AuditRecorder interface {
	Record(event audit.Event)
}

// recordAudit emits action for scopeKey. conn supplies the marketplace account
// when known; err supplies the error kind.
func (h *Handlers) recordAudit(c *gin.Context, action, scopeKey string, conn *models.Connection, err error) {
	if h.audit == nil {
		return
	}
	event := audit.Event{
		Action:    action,
		Scope:     scopeKey,
		IPAddress: c.ClientIP(),
		RequestID: c.GetString(middleware.RequestIDKey),
	}
	if userID, ok := middleware.GetUserID(c); ok {
		event.UserID = userID
	} else if scope, parseErr := models.ParseScope(scopeKey); parseErr == nil {
		// the callback carries no session; the state names the user
		event.UserID = scope.UserID
	}
	if conn != nil {
		event.MarketplaceUserID = conn.MarketplaceUserID
	}
	if err != nil {
		event.ErrorKind = oauthflow.Kind(err)
	}
	h.audit.Record(event)
}
