// Package console implements the HTTP handlers of the connection console:
// the marketplace OAuth routes, the token-exchange proxy endpoint, the API
// tester, and company/store management.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketlink/connect-console/internal/config"
	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/db/repositories"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/middleware"
	"github.com/marketlink/connect-console/internal/oauthflow"
)

// Flow is the part of the orchestrator the handlers drive.
type Flow interface {
	Start(ctx context.Context, scope models.Scope) (*oauthflow.Authorization, error)
	Complete(ctx context.Context, params oauthflow.CallbackParams) (*models.Connection, error)
	Disconnect(ctx context.Context, scope models.Scope) error
	Refresh(ctx context.Context, scope models.Scope) (*models.Connection, error)
	CheckConnection(ctx context.Context, scope models.Scope) (*oauthflow.Status, error)
	Connections(ctx context.Context, userID string) ([]*models.Connection, error)
	ActiveToken(ctx context.Context, scope models.Scope) (string, error)
}

// TokenForwarder relays token grant requests with the server-held client secret.
type TokenForwarder interface {
	Forward(ctx context.Context, params url.Values) (json.RawMessage, error)
}

// APIRequester issues API tester calls with a connection's access token.
type APIRequester interface {
	Do(ctx context.Context, accessToken string, req marketplace.APIRequest) (*marketplace.APIResponse, error)
}

// Deps are the collaborators of Handlers. Flow is nil when the marketplace
// integration is misconfigured; FlowErr then holds the reason and the
// marketplace routes answer 503 while company and store routes keep working.
// Proxy is nil when code exchange is delegated to a remote proxy. Audit is
// optional.
type Deps struct {
	Flow      Flow
	FlowErr   error
	Proxy     TokenForwarder
	API       APIRequester
	Audit     AuditRecorder
	Companies *repositories.CompanyRepository
	Stores    *repositories.StoreRepository
}

// Handlers serves the console API.
type Handlers struct {
	cfg       *config.Config
	flow      Flow
	flowErr   error
	proxy     TokenForwarder
	api       APIRequester
	audit     AuditRecorder
	companies *repositories.CompanyRepository
	stores    *repositories.StoreRepository
}

// NewHandlers creates the console handlers.
func NewHandlers(cfg *config.Config, deps Deps) *Handlers {
	flowErr := deps.FlowErr
	if deps.Flow == nil && flowErr == nil {
		flowErr = oauthflow.ErrConfiguration
	}
	return &Handlers{
		cfg:       cfg,
		flow:      deps.Flow,
		flowErr:   flowErr,
		proxy:     deps.Proxy,
		api:       deps.API,
		audit:     deps.Audit,
		companies: deps.Companies,
		stores:    deps.Stores,
	}
}

// RegisterRoutes mounts the console routes. authed must already run the
// session middleware; public is used for the browser-facing callback.
func (h *Handlers) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.GET("/marketplace/callback", h.Callback)

	mp := authed.Group("/marketplace")
	{
		mp.GET("/authorize", h.Authorize)
		mp.GET("/connection", h.GetConnection)
		mp.DELETE("/connection", h.DeleteConnection)
		mp.POST("/connection/refresh", h.RefreshConnection)
		mp.GET("/connections", h.ListConnections)
		mp.POST("/token-exchange", h.TokenExchange)
		mp.POST("/request", h.APIRequest)
	}

	companies := authed.Group("/companies")
	{
		companies.GET("", h.ListCompanies)
		companies.POST("", h.CreateCompany)
		companies.GET("/:id", h.GetCompany)
		companies.PUT("/:id", h.UpdateCompany)
		companies.DELETE("/:id", h.DeleteCompany)
		companies.POST("/:id/activate", h.ActivateCompany)
	}

	stores := authed.Group("/stores")
	{
		stores.GET("", h.ListStores)
		stores.POST("", h.CreateStore)
		stores.GET("/:id", h.GetStore)
		stores.PUT("/:id", h.UpdateStore)
		stores.DELETE("/:id", h.DeleteStore)
		stores.POST("/:id/activate", h.ActivateStore)
	}
}

// flowReady answers 503 when the marketplace integration is unavailable.
func (h *Handlers) flowReady(c *gin.Context) bool {
	if h.flow != nil {
		return true
	}
	writeFlowError(c, h.flowErr)
	return false
}

// errorStatus maps a flow error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, oauthflow.ErrConfiguration),
		errors.Is(err, oauthflow.ErrPersistence),
		errors.Is(err, oauthflow.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, oauthflow.ErrInvalidState),
		errors.Is(err, oauthflow.ErrAuthorizationDenied):
		return http.StatusBadRequest
	case errors.Is(err, oauthflow.ErrMissingVerifier):
		return http.StatusConflict
	case errors.Is(err, oauthflow.ErrExchangeFailed),
		errors.Is(err, oauthflow.ErrTokenValidation):
		return http.StatusBadGateway
	case errors.Is(err, oauthflow.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, oauthflow.ErrNotConnected):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeFlowError renders err as {error, message, retryable}. Causes are
// logged by the orchestrator and never sent to the client.
func writeFlowError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{
		"error":     oauthflow.Kind(err),
		"message":   oauthflow.UserMessage(err),
		"retryable": oauthflow.Retryable(err),
	})
}

func getUserID(c *gin.Context) (string, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
	}
	return userID, ok
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " ID"})
		return uuid.Nil, false
	}
	return id, true
}

// resolveScope builds the connection scope from ?company_id=&store_id= for the
// authenticated user. Referenced companies and stores must belong to the user;
// a store id alone implies its company.
func (h *Handlers) resolveScope(c *gin.Context) (models.Scope, bool) {
	userID, ok := getUserID(c)
	if !ok {
		return models.Scope{}, false
	}
	scope := models.Scope{UserID: userID}
	companyParam := c.Query("company_id")
	storeParam := c.Query("store_id")

	if companyParam != "" {
		companyID, err := uuid.Parse(companyParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid company ID"})
			return models.Scope{}, false
		}
		if h.companies != nil {
			company, err := h.companies.GetByID(c.Request.Context(), userID, companyID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load company"})
				return models.Scope{}, false
			}
			if company == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "company not found"})
				return models.Scope{}, false
			}
		}
		scope.CompanyID = companyID.String()
	}

	if storeParam != "" {
		storeID, err := uuid.Parse(storeParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store ID"})
			return models.Scope{}, false
		}
		if h.stores != nil {
			store, err := h.stores.GetByID(c.Request.Context(), userID, storeID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load store"})
				return models.Scope{}, false
			}
			if store == nil || (scope.CompanyID != "" && store.CompanyID.String() != scope.CompanyID) {
				c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
				return models.Scope{}, false
			}
			scope = store.Scope()
		} else {
			scope.StoreID = storeID.String()
		}
	}

	return scope, true
}
