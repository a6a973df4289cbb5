package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/telemetry"
)

// DefaultAPIURL is the public REST API host.
const DefaultAPIURL = "https://api.mercadolibre.com"

// maxResponseBytes caps how much of an API answer is read into memory.
const maxResponseBytes = 4 << 20

// Client calls the marketplace REST API on behalf of a connection.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a REST client. A nil httpClient gets a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

type meResponse struct {
	ID       FlexibleID `json:"id"`
	Nickname string     `json:"nickname"`
	Email    string     `json:"email"`
}

// Me validates accessToken by fetching the account it belongs to. A 401 yields
// an *APIError matching ErrUnauthorized; transport failures are returned wrapped.
func (c *Client) Me(ctx context.Context, accessToken string) (*models.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "users_me")
	if err != nil {
		return nil, fmt.Errorf("failed to perform identity request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Endpoint: "/users/me", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var me meResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&me); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	if me.ID == "" {
		return nil, fmt.Errorf("identity response carried no account id")
	}
	return &models.Identity{ID: me.ID.String(), Nickname: me.Nickname, Email: me.Email}, nil
}

// APIRequest is a call issued from the API tester.
type APIRequest struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// APIResponse relays the marketplace's answer. Body holds raw JSON when the
// answer was JSON and a string otherwise.
type APIResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        any    `json:"body"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Validate normalizes the method and rejects paths that could leave the API host.
func (r *APIRequest) Validate() error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if !allowedMethods[r.Method] {
		return fmt.Errorf("%w: method %s is not allowed", ErrInvalidRequest, r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") || strings.HasPrefix(r.Path, "//") {
		return fmt.Errorf("%w: path must be relative to the API host and start with /", ErrInvalidRequest)
	}
	if strings.Contains(r.Path, "://") || strings.ContainsAny(r.Path, "?#\\") {
		return fmt.Errorf("%w: path must not carry a scheme, query or fragment", ErrInvalidRequest)
	}
	for _, seg := range strings.Split(r.Path, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: path must not contain dot segments", ErrInvalidRequest)
		}
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		return fmt.Errorf("%w: body must be valid JSON", ErrInvalidRequest)
	}
	return nil
}

// Do issues req with accessToken. Non-2xx answers, 401 included, are relayed
// in the response rather than returned as errors.
func (c *Client) Do(ctx context.Context, accessToken string, apiReq APIRequest) (*APIResponse, error) {
	if err := apiReq.Validate(); err != nil {
		return nil, err
	}

	target, err := url.Parse(c.BaseURL + apiReq.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(apiReq.Query) > 0 {
		q := target.Query()
		for k, v := range apiReq.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(apiReq.Body) > 0 && apiReq.Method != http.MethodGet {
		body = bytes.NewReader(apiReq.Body)
	}
	req, err := http.NewRequestWithContext(ctx, apiReq.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req, "api")
	if err != nil {
		return nil, fmt.Errorf("failed to perform API request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read API response: %w", err)
	}

	out := &APIResponse{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	if len(raw) > 0 && json.Valid(raw) {
		out.Body = json.RawMessage(raw)
	} else {
		out.Body = string(raw)
	}
	return out, nil
}

// do sends req and records its latency under endpoint.
func (c *Client) do(req *http.Request, endpoint string) (*http.Response, error) {
	return observe(c.HTTPClient, req, endpoint)
}

func observe(client *http.Client, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	telemetry.MarketplaceRequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	return resp, err
}
