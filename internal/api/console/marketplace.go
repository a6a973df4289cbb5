package console

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/connect-console/internal/audit"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/oauthflow"
)

// StatusResponse is the connection state shown by the console. It is always
// returned with 200; Notice and Retryable explain an unauthenticated state
// that came from an error.
type StatusResponse struct {
	*oauthflow.Status
	Notice    string `json:"notice,omitempty"`
	ErrorKind string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
}

// @Summary      Start marketplace authorization
// @Description  Creates or replaces the pending connection for the scope and returns the marketplace authorization URL. With redirect=true the response is a 302 to that URL.
// @Tags         Marketplace
// @Security     Bearer
// @Produce      json
// @Param        company_id  query  string  false  "Company scope (UUID)"
// @Param        store_id    query  string  false  "Store scope (UUID)"
// @Param        redirect    query  bool    false  "Redirect instead of returning JSON"
// @Success      200  {object}  oauthflow.Authorization
// @Success      302  "Redirect to the marketplace"
// @Failure      503  {object}  map[string]interface{}  "Not configured or state not persisted"
// @Router       /api/v1/marketplace/authorize [get]
func (h *Handlers) Authorize(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	scope, ok := h.resolveScope(c)
	if !ok {
		return
	}

	authz, err := h.flow.Start(c.Request.Context(), scope)
	if err != nil {
		writeFlowError(c, err)
		return
	}
	h.recordAudit(c, audit.ActionAuthorizeStarted, authz.State, nil, nil)

	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, authz.URL)
		return
	}
	c.JSON(http.StatusOK, authz)
}

// @Summary      Marketplace OAuth callback
// @Description  Target of the marketplace redirect. Exchanges the code, validates the token and redirects the browser to the console. format=json returns the outcome as JSON instead.
// @Tags         Marketplace
// @Produce      json
// @Param        code               query  string  false  "Authorization code"
// @Param        state              query  string  true   "Scope key issued by authorize"
// @Param        error              query  string  false  "Error reported by the marketplace"
// @Param        error_description  query  string  false  "Error description reported by the marketplace"
// @Success      302  "Redirect to the console success or failure page"
// @Router       /api/v1/marketplace/callback [get]
func (h *Handlers) Callback(c *gin.Context) {
	wantJSON := c.Query("format") == "json"
	if h.flow == nil {
		h.callbackFailure(c, h.flowErr, wantJSON)
		return
	}

	params := oauthflow.ParseCallback(c.Request.URL.Query())
	conn, err := h.flow.Complete(c.Request.Context(), params)
	if err != nil {
		h.recordAudit(c, audit.ActionConnectFailed, params.State, nil, err)
		h.callbackFailure(c, err, wantJSON)
		return
	}
	h.recordAudit(c, audit.ActionConnected, conn.ScopeKey, conn, nil)

	if wantJSON {
		c.JSON(http.StatusOK, gin.H{"connected": true, "connection": conn.Redacted()})
		return
	}
	q := url.Values{"state": {conn.ScopeKey}}
	c.Redirect(http.StatusFound, h.frontendURL(h.cfg.Marketplace.SuccessPath, q))
}

func (h *Handlers) callbackFailure(c *gin.Context, err error, wantJSON bool) {
	if wantJSON {
		writeFlowError(c, err)
		return
	}
	q := url.Values{
		"error":   {oauthflow.Kind(err)},
		"message": {oauthflow.UserMessage(err)},
	}
	c.Redirect(http.StatusFound, h.frontendURL(h.cfg.Marketplace.FailurePath, q))
}

func (h *Handlers) frontendURL(path string, q url.Values) string {
	return strings.TrimRight(h.cfg.Server.FrontendURL, "/") + path + "?" + q.Encode()
}

// @Summary      Connection state
// @Description  Validates the stored token against the marketplace and reports whether the scope is connected. Always answers 200; a rejected token disconnects the scope.
// @Tags         Marketplace
// @Security     Bearer
// @Produce      json
// @Param        company_id  query  string  false  "Company scope (UUID)"
// @Param        store_id    query  string  false  "Store scope (UUID)"
// @Success      200  {object}  StatusResponse
// @Router       /api/v1/marketplace/connection [get]
func (h *Handlers) GetConnection(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	scope, ok := h.resolveScope(c)
	if !ok {
		return
	}

	status, err := h.flow.CheckConnection(c.Request.Context(), scope)
	if errors.Is(err, oauthflow.ErrAuthExpired) {
		h.recordAudit(c, audit.ActionExpired, scope.Key(), nil, err)
	}
	resp := StatusResponse{Status: status}
	if resp.Status == nil {
		resp.Status = &oauthflow.Status{Scope: scope.Key()}
	}
	if err != nil {
		resp.Notice = oauthflow.UserMessage(err)
		resp.ErrorKind = oauthflow.Kind(err)
		resp.Retryable = oauthflow.Retryable(err)
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Disconnect
// @Description  Deletes the scope's connection. Idempotent; the marketplace is not contacted.
// @Tags         Marketplace
// @Security     Bearer
// @Param        company_id  query  string  false  "Company scope (UUID)"
// @Param        store_id    query  string  false  "Store scope (UUID)"
// @Success      204
// @Router       /api/v1/marketplace/connection [delete]
func (h *Handlers) DeleteConnection(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	scope, ok := h.resolveScope(c)
	if !ok {
		return
	}
	if err := h.flow.Disconnect(c.Request.Context(), scope); err != nil {
		writeFlowError(c, err)
		return
	}
	h.recordAudit(c, audit.ActionDisconnected, scope.Key(), nil, nil)
	c.Status(http.StatusNoContent)
}

// @Summary      Refresh tokens
// @Description  Redeems the stored refresh token. A revoked refresh token disconnects the scope and answers 401.
// @Tags         Marketplace
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  models.Connection
// @Failure      401  {object}  map[string]interface{}  "Authorization expired"
// @Failure      404  {object}  map[string]interface{}  "Not connected"
// @Router       /api/v1/marketplace/connection/refresh [post]
func (h *Handlers) RefreshConnection(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	scope, ok := h.resolveScope(c)
	if !ok {
		return
	}
	conn, err := h.flow.Refresh(c.Request.Context(), scope)
	if err != nil {
		if errors.Is(err, oauthflow.ErrAuthExpired) {
			h.recordAudit(c, audit.ActionExpired, scope.Key(), nil, err)
		}
		writeFlowError(c, err)
		return
	}
	h.recordAudit(c, audit.ActionRefreshed, scope.Key(), conn, nil)
	c.JSON(http.StatusOK, conn.Redacted())
}

// @Summary      List connections
// @Description  Lists every connection of the authenticated user, pending ones included. Tokens are masked.
// @Tags         Marketplace
// @Security     Bearer
// @Produce      json
// @Router       /api/v1/marketplace/connections [get]
func (h *Handlers) ListConnections(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	conns, err := h.flow.Connections(c.Request.Context(), userID)
	if err != nil {
		writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// @Summary      Token exchange proxy
// @Description  Forwards a form-encoded grant request to the marketplace token endpoint with the server-held client secret and relays the JSON answer.
// @Tags         Marketplace
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  marketplace.ExchangeRequest  true  "URL-encoded grant parameters"
// @Failure      400  {object}  marketplace.ExchangeFailure
// @Router       /api/v1/marketplace/token-exchange [post]
func (h *Handlers) TokenExchange(c *gin.Context) {
	if h.proxy == nil {
		c.JSON(http.StatusServiceUnavailable, marketplace.ExchangeFailure{
			Error: "token exchange is not available on this server",
		})
		return
	}

	var req marketplace.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Params == "" {
		c.JSON(http.StatusBadRequest, marketplace.ExchangeFailure{Error: "params is required"})
		return
	}
	params, err := url.ParseQuery(req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, marketplace.ExchangeFailure{Error: "params must be URL-encoded"})
		return
	}

	raw, err := h.proxy.Forward(c.Request.Context(), params)
	if err != nil {
		failure := marketplace.ExchangeFailure{Error: "token exchange failed"}
		var exErr *marketplace.ExchangeError
		if errors.As(err, &exErr) {
			failure.Details = exErr.Body
		} else {
			slog.Error("token exchange request failed", "error", err)
		}
		c.JSON(http.StatusBadRequest, failure)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// @Summary      Marketplace API tester
// @Description  Calls the marketplace REST API with the scope's access token. The path must be relative to the API host. Marketplace errors, 401 included, are relayed in the body.
// @Tags         Marketplace
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  marketplace.APIRequest  true  "Request to issue"
// @Success      200  {object}  marketplace.APIResponse
// @Router       /api/v1/marketplace/request [post]
func (h *Handlers) APIRequest(c *gin.Context) {
	if !h.flowReady(c) {
		return
	}
	if h.api == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "marketplace API client is not configured"})
		return
	}
	scope, ok := h.resolveScope(c)
	if !ok {
		return
	}

	var req marketplace.APIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.flow.ActiveToken(c.Request.Context(), scope)
	if err != nil {
		writeFlowError(c, err)
		return
	}

	resp, err := h.api.Do(c.Request.Context(), token, req)
	if err != nil {
		slog.Warn("marketplace API request failed", "scope", scope.Key(), "path", req.Path, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "marketplace request failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
