package console

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketlink/connect-console/internal/audit"
	"github.com/marketlink/connect-console/internal/db/models"
)

// CompanyRequest is the body of company create and update calls.
type CompanyRequest struct {
	Name     string `json:"name" binding:"required"`
	IsActive bool   `json:"is_active"`
}

// @Summary      List companies
// @Tags         Companies
// @Security     Bearer
// @Produce      json
// @Router       /api/v1/companies [get]
func (h *Handlers) ListCompanies(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	companies, err := h.companies.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list companies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"companies": companies})
}

// @Summary      Create company
// @Description  Creates a company. Creating it active deactivates the user's other companies.
// @Tags         Companies
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CompanyRequest  true  "Company"
// @Success      201  {object}  models.Company
// @Router       /api/v1/companies [post]
func (h *Handlers) CreateCompany(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	var req CompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	company := &models.Company{UserID: userID, Name: strings.TrimSpace(req.Name), IsActive: req.IsActive}
	if err := h.companies.Create(c.Request.Context(), company); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create company"})
		return
	}
	c.JSON(http.StatusCreated, company)
}

// @Summary      Get company
// @Tags         Companies
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Company ID (UUID)"
// @Success      200  {object}  models.Company
// @Failure      404  {object}  map[string]interface{}  "Company not found"
// @Router       /api/v1/companies/{id} [get]
func (h *Handlers) GetCompany(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "company")
	if !ok {
		return
	}
	company, err := h.companies.GetByID(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load company"})
		return
	}
	if company == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
		return
	}
	c.JSON(http.StatusOK, company)
}

// @Summary      Update company
// @Description  Renames a company; is_active=true also makes it the active company.
// @Tags         Companies
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string          true  "Company ID (UUID)"
// @Param        body  body  CompanyRequest  true  "Company"
// @Router       /api/v1/companies/{id} [put]
func (h *Handlers) UpdateCompany(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "company")
	if !ok {
		return
	}
	var req CompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx := c.Request.Context()
	company := &models.Company{ID: id, UserID: userID, Name: strings.TrimSpace(req.Name)}
	found, err := h.companies.Update(ctx, company)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update company"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
		return
	}
	if req.IsActive {
		if _, err := h.companies.Activate(ctx, userID, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate company"})
			return
		}
	}

	updated, err := h.companies.GetByID(ctx, userID, id)
	if err != nil || updated == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load company"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// @Summary      Delete company
// @Description  Deletes a company with its stores and disconnects their marketplace connections.
// @Tags         Companies
// @Security     Bearer
// @Param        id  path  string  true  "Company ID (UUID)"
// @Success      204
// @Router       /api/v1/companies/{id} [delete]
func (h *Handlers) DeleteCompany(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "company")
	if !ok {
		return
	}
	found, err := h.companies.Delete(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete company"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
		return
	}
	h.disconnectWhere(c, userID, func(conn *models.Connection) bool {
		return conn.CompanyID != nil && *conn.CompanyID == id.String()
	})
	c.Status(http.StatusNoContent)
}

// @Summary      Activate company
// @Description  Makes the company the user's only active company.
// @Tags         Companies
// @Security     Bearer
// @Param        id  path  string  true  "Company ID (UUID)"
// @Router       /api/v1/companies/{id}/activate [post]
func (h *Handlers) ActivateCompany(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "company")
	if !ok {
		return
	}
	found, err := h.companies.Activate(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate company"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": true})
}

// disconnectWhere removes the user's connections accepted by match. Postgres
// cascades the delete through foreign keys; the Redis and memory backends
// need the explicit disconnect.
func (h *Handlers) disconnectWhere(c *gin.Context, userID string, match func(*models.Connection) bool) {
	if h.flow == nil {
		return
	}
	ctx := c.Request.Context()
	conns, err := h.flow.Connections(ctx, userID)
	if err != nil {
		slog.Warn("could not list connections to disconnect", "user_id", userID, "error", err)
		return
	}
	for _, conn := range conns {
		if !match(conn) {
			continue
		}
		if err := h.flow.Disconnect(ctx, conn.Scope()); err != nil {
			slog.Warn("could not disconnect connection", "scope", conn.ScopeKey, "error", err)
			continue
		}
		h.recordAudit(c, audit.ActionDisconnected, conn.ScopeKey, conn, nil)
	}
}

func storeScopeMatcher(id uuid.UUID) func(*models.Connection) bool {
	return func(conn *models.Connection) bool {
		return conn.StoreID != nil && *conn.StoreID == id.String()
	}
}
