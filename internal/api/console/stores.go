package console

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketlink/connect-console/internal/db/models"
)

// StoreRequest is the body of store create and update calls. CompanyID is
// ignored on update.
type StoreRequest struct {
	CompanyID string `json:"company_id"`
	Name      string `json:"name" binding:"required"`
	IsActive  bool   `json:"is_active"`
}

// @Summary      List stores
// @Tags         Stores
// @Security     Bearer
// @Produce      json
// @Param        company_id  query  string  false  "Restrict to one company (UUID)"
// @Router       /api/v1/stores [get]
func (h *Handlers) ListStores(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	var companyID *uuid.UUID
	if raw := c.Query("company_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid company ID"})
			return
		}
		companyID = &id
	}
	stores, err := h.stores.ListByUser(c.Request.Context(), userID, companyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stores"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stores": stores})
}

// @Summary      Create store
// @Description  Creates a store under one of the user's companies. Creating it active deactivates its siblings.
// @Tags         Stores
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  StoreRequest  true  "Store"
// @Success      201  {object}  models.Store
// @Router       /api/v1/stores [post]
func (h *Handlers) CreateStore(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	var req StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid company ID"})
		return
	}

	ctx := c.Request.Context()
	company, err := h.companies.GetByID(ctx, userID, companyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load company"})
		return
	}
	if company == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
		return
	}

	store := &models.Store{UserID: userID, CompanyID: companyID, Name: strings.TrimSpace(req.Name), IsActive: req.IsActive}
	if err := h.stores.Create(ctx, store); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create store"})
		return
	}
	c.JSON(http.StatusCreated, store)
}

// @Summary      Get store
// @Tags         Stores
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Store ID (UUID)"
// @Success      200  {object}  models.Store
// @Failure      404  {object}  map[string]interface{}  "Store not found"
// @Router       /api/v1/stores/{id} [get]
func (h *Handlers) GetStore(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "store")
	if !ok {
		return
	}
	store, err := h.stores.GetByID(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load store"})
		return
	}
	if store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
		return
	}
	c.JSON(http.StatusOK, store)
}

// @Summary      Update store
// @Description  Renames a store; is_active=true also makes it the active store of its company.
// @Tags         Stores
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string        true  "Store ID (UUID)"
// @Param        body  body  StoreRequest  true  "Store"
// @Router       /api/v1/stores/{id} [put]
func (h *Handlers) UpdateStore(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "store")
	if !ok {
		return
	}
	var req StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx := c.Request.Context()
	found, err := h.stores.Update(ctx, &models.Store{ID: id, UserID: userID, Name: strings.TrimSpace(req.Name)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update store"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
		return
	}
	if req.IsActive {
		if _, err := h.stores.Activate(ctx, userID, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate store"})
			return
		}
	}

	updated, err := h.stores.GetByID(ctx, userID, id)
	if err != nil || updated == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load store"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// @Summary      Delete store
// @Description  Deletes a store and disconnects its marketplace connection.
// @Tags         Stores
// @Security     Bearer
// @Param        id  path  string  true  "Store ID (UUID)"
// @Success      204
// @Router       /api/v1/stores/{id} [delete]
func (h *Handlers) DeleteStore(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "store")
	if !ok {
		return
	}
	found, err := h.stores.Delete(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete store"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
		return
	}
	h.disconnectWhere(c, userID, storeScopeMatcher(id))
	c.Status(http.StatusNoContent)
}

// @Summary      Activate store
// @Description  Makes the store the only active store of its company.
// @Tags         Stores
// @Security     Bearer
// @Param        id  path  string  true  "Store ID (UUID)"
// @Router       /api/v1/stores/{id}/activate [post]
func (h *Handlers) ActivateStore(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "store")
	if !ok {
		return
	}
	found, err := h.stores.Activate(c.Request.Context(), userID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate store"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": true})
}
