package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// Sentinel errors for Proxmox client failures.
var (
	ErrUnreachable = errors.New("proxmox unreachable")
	ErrAPI         = errors.New("proxmox api error")
	ErrTimeout     = errors.New("proxmox request timeout")
)

// Client is the interface for reading the cluster inventory.
type Client interface {
	// List returns every qemu VM followed by every lxc container in the cluster.
	List(ctx context.Context) ([]models.Resource, error)
	Nodes(ctx context.Context) ([]string, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client using the Proxmox VE JSON API.
type HTTPClient struct {
	baseURL    string
	user       string
	password   string
	tokenName  string
	tokenValue string
	client     *http.Client

	mu     sync.Mutex
	ticket string
}

// NewHTTPClient creates a Proxmox client from cfg. Token auth is used when
// configured, otherwise a ticket is obtained with the password.
func NewHTTPClient(cfg config.ProxmoxConfig) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifySSL} //nolint:gosec
	return &HTTPClient{
		baseURL:    cfg.BaseURL(),
		user:       cfg.User,
		password:   cfg.Password,
		tokenName:  cfg.TokenName,
		tokenValue: cfg.TokenValue,
		client:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// List skips a node whose guest listing fails, but reports an error when no
// listing succeeded on any node.
func (c *HTTPClient) List(ctx context.Context) ([]models.Resource, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	resources := []models.Resource{}
	var listed int
	var lastErr error
	for _, kind := range []string{models.ResourceTypeQEMU, models.ResourceTypeLXC} {
		for _, node := range nodes {
			found, err := c.guests(ctx, node, kind)
			if err != nil {
				if ctx.Err() != nil {
					return nil, classifyError(ctx.Err())
				}
				slog.Warn("list guests failed", "node", node, "type", kind, "error", err)
				lastErr = err
				continue
			}
			listed++
			resources = append(resources, found...)
		}
	}
	if len(nodes) > 0 && listed == 0 {
		if !errors.Is(lastErr, ErrAPI) && !errors.Is(lastErr, ErrUnreachable) && !errors.Is(lastErr, ErrTimeout) {
			lastErr = fmt.Errorf("%w: %v", ErrAPI, lastErr)
		}
		return nil, fmt.Errorf("list guests on all %d nodes failed: %w", len(nodes), lastErr)
	}
	return resources, nil
}

// Nodes returns the cluster node names in sorted order.
func (c *HTTPClient) Nodes(ctx context.Context) ([]string, error) {
	var nodes []struct {
		Node string `json:"node"`
	}
	if err := c.get(ctx, "/nodes", &nodes); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Node)
	}
	sort.Strings(names)
	return names, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	var version map[string]any
	if err := c.get(ctx, "/version", &version); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (c *HTTPClient) guests(ctx context.Context, node, kind string) ([]models.Resource, error) {
	var list []pveGuest
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/%s", url.PathEscape(node), kind), &list); err != nil {
		return nil, err
	}
	type numbered struct {
		vmid int
		pveGuest
	}
	valid := make([]numbered, 0, len(list))
	for _, g := range list {
		n, err := g.VMID.Int()
		if err != nil {
			slog.Warn("skipping guest with invalid vmid", "node", node, "type", kind, "error", err)
			continue
		}
		valid = append(valid, numbered{vmid: n, pveGuest: g})
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].vmid < valid[j].vmid })

	out := make([]models.Resource, 0, len(valid))
	for _, g := range valid {
		id := strconv.Itoa(g.vmid)
		r := models.Resource{
			ID:     id,
			Type:   kind,
			Name:   g.Name,
			Node:   node,
			Status: g.Status,
		}
		if r.Name == "" {
			r.Name = defaultName(kind, id)
		}
		if r.Status == "" {
			r.Status = "unknown"
		}

		cfg := map[string]any{}
		if err := c.get(ctx, fmt.Sprintf("/nodes/%s/%s/%s/config", url.PathEscape(node), kind, id), &cfg); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			slog.Warn("fetch guest config failed", "node", node, "vm_id", id, "type", kind, "error", err)
			cfg = map[string]any{}
		}
		r.Config = cfg
		out = append(out, r)
	}
	return out, nil
}

func defaultName(kind, id string) string {
	if kind == models.ResourceTypeLXC {
		return "LXC-" + id
	}
	return "VM-" + id
}

// get issues a GET against /api2/json<path> and decodes the data envelope into out.
// A password session is re-established once when the ticket has expired.
func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && !c.usesToken() {
		resp.Body.Close()
		c.clearTicket()
		if resp, err = c.do(ctx, path); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrAPI, path, resp.StatusCode)
	}

	envelope := pveResponse{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api2/json"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func (c *HTTPClient) usesToken() bool {
	return c.tokenName != "" && c.tokenValue != ""
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	if c.usesToken() {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s!%s=%s", c.user, c.tokenName, c.tokenValue))
		return nil
	}
	ticket, err := c.sessionTicket(ctx)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket})
	return nil
}

func (c *HTTPClient) sessionTicket(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket != "" {
		return c.ticket, nil
	}

	form := url.Values{"username": {c.user}, "password": {c.password}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api2/json/access/ticket",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: authentication failed (status %d)", ErrAPI, resp.StatusCode)
	}

	var session struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pveResponse{Data: &session}); err != nil {
		return "", fmt.Errorf("decoding ticket response: %w", err)
	}
	if session.Ticket == "" {
		return "", fmt.Errorf("%w: empty ticket", ErrAPI)
	}
	c.ticket = session.Ticket
	return c.ticket, nil
}

func (c *HTTPClient) clearTicket() {
	c.mu.Lock()
	c.ticket = ""
	c.mu.Unlock()
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Proxmox response types ---

type pveResponse struct {
	Data any `json:"data"`
}

// pveID accepts vmid as either a JSON number or a string. Validation is
// deferred to Int so one bad guest does not fail the whole listing.
type pveID string

func (id *pveID) UnmarshalJSON(b []byte) error {
	*id = pveID(strings.Trim(string(b), `"`))
	return nil
}

// Int returns the positive numeric vmid.
func (id pveID) Int() (int, error) {
	n, err := strconv.Atoi(string(id))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid vmid %q", string(id))
	}
	return n, nil
}

type pveGuest struct {
	VMID   pveID  `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
