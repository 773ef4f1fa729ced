package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

const (
	DefaultHubURL    = "https://huggingface.co"
	DefaultUserAgent = "OxideLabMobile/1.0"
	DefaultRevision  = "main"
)

// Timeouts bound a single attempt at the socket level.
type Timeouts struct {
	Connect time.Duration `json:"connect" yaml:"connect" toml:"connect"`
	Read    time.Duration `json:"read" yaml:"read" toml:"read"`
	Write   time.Duration `json:"write" yaml:"write" toml:"write"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, Read: 120 * time.Second, Write: 60 * time.Second}
}

// timeoutConn refreshes the read/write deadline before every socket call, so
// a stalled transfer fails after the idle timeout rather than hanging.
type timeoutConn struct {
	net.Conn
	read, write time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(b)
}

// NewHTTPClient builds a client whose connections honour t.
func NewHTTPClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &timeoutConn{Conn: c, read: t.Read, write: t.Write}, nil
	}
	tr.TLSHandshakeTimeout = t.Connect
	tr.ResponseHeaderTimeout = t.Read
	return &http.Client{Transport: tr}
}

// Hub resolves identities to URLs on a Hugging Face compatible server.
type Hub struct {
	baseURL   string
	userAgent string
	token     string
	revision  string
	client    *http.Client
}

type HubOption func(*Hub)

func WithBaseURL(u string) HubOption {
	return func(h *Hub) { h.baseURL = strings.TrimRight(u, "/") }
}

func WithUserAgent(ua string) HubOption { return func(h *Hub) { h.userAgent = ua } }

// WithToken sends a bearer token with every request.
func WithToken(tok string) HubOption { return func(h *Hub) { h.token = tok } }

func WithRevision(rev string) HubOption { return func(h *Hub) { h.revision = rev } }

func WithHTTPClient(c *http.Client) HubOption { return func(h *Hub) { h.client = c } }

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		baseURL:   DefaultHubURL,
		userAgent: DefaultUserAgent,
		revision:  DefaultRevision,
	}
	for _, o := range opts {
		o(h)
	}
	if h.client == nil {
		h.client = NewHTTPClient(DefaultTimeouts())
	}
	if h.userAgent == "" {
		h.userAgent = DefaultUserAgent
	}
	if h.revision == "" {
		h.revision = DefaultRevision
	}
	return h
}

// BaseURL returns the hub root.
func (h *Hub) BaseURL() string { return h.baseURL }

// ResolveURL is the download URL for id.
func (h *Hub) ResolveURL(id types.ModelIdentity) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, id.Repository, url.PathEscape(h.revision), url.PathEscape(id.FileName))
}

// MetadataURL is the model-info API URL for a repository.
func (h *Hub) MetadataURL(repository string) string {
	return fmt.Sprintf("%s/api/models/%s", h.baseURL, repository)
}

func (h *Hub) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.userAgent)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

// Sibling is one file listed in a repository.
type Sibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size,omitempty"`
}

// ModelInfo is the subset of repository metadata the engine uses. Raw keeps
// the full document.
type ModelInfo struct {
	ID        string          `json:"id"`
	SHA       string          `json:"sha,omitempty"`
	Downloads int64           `json:"downloads,omitempty"`
	Likes     int64           `json:"likes,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Siblings  []Sibling       `json:"siblings,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// HasFile reports whether the repository lists name.
func (m *ModelInfo) HasFile(name string) bool {
	for _, s := range m.Siblings {
		if s.RFilename == name {
			return true
		}
	}
	return false
}

// ModelInfo fetches repository metadata.
func (h *Hub) ModelInfo(ctx context.Context, repository string) (*ModelInfo, error) {
	const op = "hub.ModelInfo"
	req, err := h.newRequest(ctx, http.MethodGet, h.MetadataURL(repository))
	if err != nil {
		return nil, faults.E(faults.KindInvalid, op, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, faults.E(faults.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, faults.E(faults.KindNetwork, op, err)
	}
	var info ModelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, faults.E(faults.KindFormat, op, err)
	}
	info.Raw = body
	return &info, nil
}

// IsAvailable issues a HEAD against the download URL. A 404 is reported as
// (false, nil); other failures are returned as errors.
func (h *Hub) IsAvailable(ctx context.Context, id types.ModelIdentity) (bool, error) {
	const op = "hub.IsAvailable"
	req, err := h.newRequest(ctx, http.MethodHead, h.ResolveURL(id))
	if err != nil {
		return false, faults.E(faults.KindInvalid, op, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, faults.E(faults.KindNetwork, op, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(op, resp)
	}
}

func statusError(op string, resp *http.Response) *faults.Error {
	e := faults.E(faults.KindHTTPStatus, op, fmt.Errorf("unexpected status %s", resp.Status))
	e.Status = resp.StatusCode
	return e
}
