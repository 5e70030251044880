package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/transport"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// DefaultTimeout bounds every request the client makes.
const DefaultTimeout = 15 * time.Second

// Client talks to a running gateway over its HTTP API. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	bearer  string
	apiKey  string
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithBearerToken sends the token as Authorization: Bearer on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithAPIKey sends the key as X-API-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a gateway client. Addresses without a scheme get
// http:// prefixed, so "127.0.0.1:8586" works as-is.
func NewClient(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health is the gateway's /health report.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeMs  int64  `json:"uptimeMs"`
	Templates int    `json:"templates"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// Health reports gateway liveness and a registry summary.
func (c *Client) Health() (*Health, error) {
	var out Health
	if _, err := c.do(http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTemplates returns every registered template, sorted by name.
func (c *Client) ListTemplates() ([]*types.ServiceTemplate, error) {
	var out struct {
		Templates []*types.ServiceTemplate `json:"templates"`
	}
	if _, err := c.do(http.MethodGet, "/api/templates", nil, &out); err != nil {
		return nil, err
	}
	return out.Templates, nil
}

// RegisterTemplate stores a template. created reports whether the gateway
// actually changed anything; re-registering an identical template is a
// no-op.
func (c *Client) RegisterTemplate(tpl *types.ServiceTemplate) (stored *types.ServiceTemplate, created bool, err error) {
	var out types.ServiceTemplate
	status, err := c.do(http.MethodPost, "/api/templates", tpl, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// RemoveTemplate deletes a template. It reports whether anything was
// removed; unknown names are not an error.
func (c *Client) RemoveTemplate(name string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	if _, err := c.do(http.MethodDelete, "/api/templates/"+url.PathEscape(name), nil, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// ScaleTemplate adjusts the number of live instances of a template and
// returns the surviving set.
func (c *Client) ScaleTemplate(name string, replicas int) ([]*types.ServiceInstance, error) {
	body := map[string]int{"replicas": replicas}
	var out struct {
		Services []*types.ServiceInstance `json:"services"`
	}
	path := "/api/templates/" + url.PathEscape(name) + "/scale"
	if _, err := c.do(http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// DiagnoseTemplate dry-runs the gateway's sandbox policy against a stored
// template and returns the findings.
func (c *Client) DiagnoseTemplate(name string) ([]sandbox.Finding, error) {
	var out struct {
		Findings []sandbox.Finding `json:"findings"`
	}
	path := "/api/templates/" + url.PathEscape(name) + "/diagnose"
	if _, err := c.do(http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Findings, nil
}

// ListServices returns live instances, optionally filtered by template
// name.
func (c *Client) ListServices(template string) ([]*types.ServiceInstance, error) {
	path := "/api/services"
	if template != "" {
		path += "?template=" + url.QueryEscape(template)
	}
	var out struct {
		Services []*types.ServiceInstance `json:"services"`
	}
	if _, err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// GetService fetches one instance by ID.
func (c *Client) GetService(id string) (*types.ServiceInstance, error) {
	var out types.ServiceInstance
	if _, err := c.do(http.MethodGet, "/api/services/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateService materializes a template into a new instance. env entries
// override the template's env before references are resolved.
func (c *Client) CreateService(template string, env map[string]string) (*types.ServiceInstance, error) {
	body := map[string]any{"templateName": template}
	if len(env) > 0 {
		body["env"] = env
	}
	var out struct {
		Service *types.ServiceInstance `json:"service"`
	}
	if _, err := c.do(http.MethodPost, "/api/services", body, &out); err != nil {
		return nil, err
	}
	return out.Service, nil
}

// RemoveService stops and deregisters an instance.
func (c *Client) RemoveService(id string) error {
	_, err := c.do(http.MethodDelete, "/api/services/"+url.PathEscape(id), nil, nil)
	return err
}

// ServiceLogs returns the tail of an instance's captured output, oldest
// first. limit <= 0 returns everything the gateway kept.
func (c *Client) ServiceLogs(id string, limit int) ([]transport.LogLine, error) {
	path := "/api/services/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Logs []transport.LogLine `json:"logs"`
	}
	if _, err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// GatewayConfig fetches the gateway's live configuration.
func (c *Client) GatewayConfig() (*config.GatewayConfig, error) {
	var out config.GatewayConfig
	if _, err := c.do(http.MethodGet, "/api/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutGatewayConfig replaces the gateway configuration and returns the
// applied result.
func (c *Client) PutGatewayConfig(cfg *config.GatewayConfig) (*config.GatewayConfig, error) {
	var out config.GatewayConfig
	if _, err := c.do(http.MethodPut, "/api/config", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one request and decodes the response into out when it is
// non-nil. Error responses are decoded back into their coded form, so
// callers can inspect errdefs.CodeOf(err).
func (c *Client) do(method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errdefs.Wrap(err, errdefs.CodeValidation, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.CodeValidation, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errdefs.Wrapf(err, errdefs.CodeTransportFailure, "gateway unreachable at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errdefs.Wrap(err, errdefs.CodeBackendError, "failed to decode gateway response")
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns an error response back into the coded error the
// gateway raised. Responses that are not the standard envelope become
// BackendError with the raw body as context.
func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeBackendError, "gateway answered %d", resp.StatusCode)
	}
	var e errdefs.Error
	if err := json.Unmarshal(data, &e); err == nil && e.Code != "" {
		return &e
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return errdefs.New(errdefs.CodeBackendError, fmt.Sprintf("gateway answered %d: %s", resp.StatusCode, msg))
}
