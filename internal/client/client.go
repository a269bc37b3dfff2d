// Package client implements the resilient sync client for the remote memory
// service. Reads pass through an in-memory freshness cache with
// stale-while-revalidate semantics, concurrent identical reads share one
// network round trip, and network failures fall back to the durable offline
// store. Writes always go to the network and invalidate affected reads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/membank/membank/internal/offline"
)

const (
	// defaultTimeout bounds ordinary requests; configurable via Options.
	defaultTimeout = 30 * time.Second
	// healthTimeout bounds the connectivity probe.
	healthTimeout = 5 * time.Second
)

// Freshness classifies how a read was satisfied.
type Freshness string

const (
	// FreshnessFresh means the data came from the network or from a cache
	// entry inside the freshness window.
	FreshnessFresh Freshness = "fresh"
	// FreshnessCached means the server confirmed the cached entry via 304.
	FreshnessCached Freshness = "cached"
	// FreshnessStale means an expired cache entry was served while a
	// background revalidation runs.
	FreshnessStale Freshness = "stale"
	// FreshnessOffline means the read was satisfied from the offline store.
	FreshnessOffline Freshness = "offline"
)

// State describes connectivity as observed by the most recent request.
type State struct {
	Online        bool
	LastFreshness Freshness
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Org     string
	Project string
	// DataDir holds the offline database and the pending-write ledger.
	DataDir string
	// Timeout for ordinary requests; defaults to 30s. The health probe has
	// its own 5s bound.
	Timeout time.Duration
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
	// Registry supplies in-memory fallback stores; a fresh one is created
	// when nil.
	Registry *offline.Registry
}

// Client is the composition root of the caching engine. One Client is bound
// to one (org, project) scope.
type Client struct {
	baseURL    string
	token      string
	org        string
	project    string
	httpClient *http.Client

	cache  *freshCache
	flight singleflight.Group
	store  offline.Store
	ledger *offline.Ledger

	mu    sync.Mutex
	state State
}

// New builds a Client. The offline store binds its storage mode (durable or
// in-memory) once, here.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	reg := opts.Registry
	if reg == nil {
		reg = offline.NewRegistry()
	}
	scope := offline.Scope{Org: opts.Org, Project: opts.Project}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		org:        opts.Org,
		project:    opts.Project,
		httpClient: httpClient,
		cache:      newFreshCache(),
		store:      offline.Open(opts.DataDir, scope, reg),
		ledger:     offline.NewLedger(opts.DataDir),
		// Optimistically online until a request says otherwise.
		state: State{Online: true},
	}
}

// Close releases the offline store.
func (c *Client) Close() error {
	return c.store.Close()
}

// State returns the connectivity observed by the most recent request.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Online = online
}

func (c *Client) setLastFreshness(f Freshness) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastFreshness = f
}

// Response is the decoded outcome of a request.
type Response struct {
	Body      []byte // nil for 204/205 responses
	IsJSON    bool
	Freshness Freshness // set for GET only
}

// Do issues a request with full cache policy applied: GETs go through the
// freshness cache, dedup, and offline fallback; other methods go straight to
// the network and invalidate affected cache entries on success.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	if method == http.MethodGet {
		return c.doGet(ctx, path)
	}
	return c.doMutation(ctx, method, path, body)
}

func (c *Client) doGet(ctx context.Context, path string) (*Response, error) {
	key := http.MethodGet + ":" + path

	if entry, stale, ok := c.cache.get(key); ok {
		if !stale {
			c.setLastFreshness(FreshnessFresh)
			return &Response{Body: entry.data, IsJSON: entry.isJSON, Freshness: FreshnessFresh}, nil
		}
		c.revalidate(path)
		c.setLastFreshness(FreshnessStale)
		return &Response{Body: entry.data, IsJSON: entry.isJSON, Freshness: FreshnessStale}, nil
	}

	resp, err := c.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	c.setLastFreshness(resp.Freshness)
	return resp, nil
}

// revalidate refreshes an expired entry in the background. Its only effect
// is a possible cache replacement; failures are swallowed and stale data
// keeps being served until an attempt succeeds.
func (c *Client) revalidate(path string) {
	go func() {
		if _, err := c.fetch(context.Background(), path); err != nil {
			slog.Debug("background revalidation failed", "path", path, "error", err)
		}
	}()
}

// fetch issues the network GET, deduplicating concurrent identical calls so
// all callers observe the result of exactly one round trip.
func (c *Client) fetch(ctx context.Context, path string) (*Response, error) {
	key := http.MethodGet + ":" + path
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.fetchOnce(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) fetchOnce(ctx context.Context, path string) (*Response, error) {
	key := http.MethodGet + ":" + path

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if etag := c.cache.etag(key); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		if body, ok := offline.ResponseForPath(c.store, path); ok {
			return &Response{Body: body, IsJSON: true, Freshness: FreshnessOffline}, nil
		}
		return nil, &NetworkError{Err: err}
	}
	defer httpResp.Body.Close()
	c.setOnline(true)

	if httpResp.StatusCode == http.StatusNotModified {
		c.cache.touch(key)
		entry, _, ok := c.cache.get(key)
		if !ok {
			// 304 without a stored entry; nothing usable to return.
			return &Response{Freshness: FreshnessCached}, nil
		}
		return &Response{Body: entry.data, IsJSON: entry.isJSON, Freshness: FreshnessCached}, nil
	}

	payload, isJSON, err := decodeBody(httpResp)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, newAPIError(httpResp.StatusCode, payload)
	}

	c.cache.set(key, payload, httpResp.Header.Get("ETag"), isJSON)

	// Keep the offline store current with any record-shaped payload. Its
	// failure never fails the read.
	if isJSON {
		if records := recordsFromPayload(payload); len(records) > 0 {
			if err := c.store.Sync(records); err != nil {
				slog.Debug("offline cache sync failed", "error", err)
			}
		}
	}

	return &Response{Body: payload, IsJSON: isJSON, Freshness: FreshnessFresh}, nil
}

func (c *Client) doMutation(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		payload = data
	}

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	// Optimistic concurrency signal only; the server enforces it.
	if etag := c.cache.etag(http.MethodGet + ":" + path); etag != "" {
		req.Header.Set("If-Match", etag)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, &NetworkError{Err: err}
	}
	defer httpResp.Body.Close()
	c.setOnline(true)

	respBody, isJSON, err := decodeBody(httpResp)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, newAPIError(httpResp.StatusCode, respBody)
	}

	c.cache.invalidatePrefix(http.MethodGet + ":/memories")

	return &Response{Body: respBody, IsJSON: isJSON}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Org-Slug", c.org)
	req.Header.Set("X-Project-Slug", c.project)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// decodeBody reads and classifies the payload by content type: missing or
// JSON-ish types are parsed as JSON, anything else (or a failed parse) falls
// back to raw text. 204/205 yield no body at all.
func decodeBody(resp *http.Response) (payload []byte, isJSON bool, err error) {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
		return nil, false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &NetworkError{Err: err}
	}

	ct := resp.Header.Get("Content-Type")
	mediaType := ct
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		mediaType = mt
	}
	if ct == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return body, json.Valid(body), nil
	}
	return body, false, nil
}

// --- High-level memory operations ---

// StoreMemory creates a memory record.
func (c *Client) StoreMemory(ctx context.Context, m Memory) (*Memory, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/memories", m)
	if err != nil {
		return nil, err
	}
	return unmarshalMemory(resp.Body)
}

// GetMemory fetches one memory by key.
func (c *Client) GetMemory(ctx context.Context, key string) (*Memory, Freshness, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/memories/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, "", err
	}
	m, err := unmarshalMemory(resp.Body)
	return m, resp.Freshness, err
}

// SearchMemories runs a substring search server-side (offline store when
// disconnected).
func (c *Client) SearchMemories(ctx context.Context, query string, limit int) ([]Memory, Freshness, error) {
	path := "/memories/search?q=" + url.QueryEscape(query)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	memories, err := unmarshalMemories(resp.Body)
	return memories, resp.Freshness, err
}

// ListMemories returns the scope's memories, most recently updated first.
func (c *Client) ListMemories(ctx context.Context) ([]Memory, Freshness, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/memories", nil)
	if err != nil {
		return nil, "", err
	}
	memories, err := unmarshalMemories(resp.Body)
	return memories, resp.Freshness, err
}

// UpdateMemory applies a partial update to one memory.
func (c *Client) UpdateMemory(ctx context.Context, key string, fields map[string]any) (*Memory, error) {
	resp, err := c.Do(ctx, http.MethodPatch, "/memories/"+url.PathEscape(key), fields)
	if err != nil {
		return nil, err
	}
	return unmarshalMemory(resp.Body)
}

// DeleteMemory removes one memory.
func (c *Client) DeleteMemory(ctx context.Context, key string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/memories/"+url.PathEscape(key), nil)
	return err
}

func unmarshalMemory(body []byte) (*Memory, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var env memoryEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding memory response: %w", err)
	}
	return env.Memory, nil
}

func unmarshalMemories(body []byte) ([]Memory, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var env memoriesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding memories response: %w", err)
	}
	return env.Memories, nil
}

// --- Connectivity probe ---

// Health probes the service's health endpoint with a short timeout and
// updates the connection state accordingly.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return &NetworkError{Err: err}
	}
	resp.Body.Close()
	c.setOnline(true)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, nil)
	}
	return nil
}

// --- Offline store and ledger passthroughs for diagnostics ---

// OfflineStale reports whether the offline store's last sync is older than
// its staleness window. Advisory only.
func (c *Client) OfflineStale() bool {
	return c.store.IsStale()
}

// LastSyncAt returns the offline store's sync checkpoint.
func (c *Client) LastSyncAt() time.Time {
	return c.store.LastSyncAt()
}

// QueueWrite records a failed mutation in the pending-write ledger for
// visibility. Callers decide when to queue; nothing replays these.
func (c *Client) QueueWrite(method, path string, body []byte) error {
	return c.ledger.QueueWrite(method, path, body)
}

// PendingWrites returns the queued mutations.
func (c *Client) PendingWrites() []offline.PendingWrite {
	return c.ledger.PendingWrites()
}

// ClearPendingWrites empties the ledger.
func (c *Client) ClearPendingWrites() error {
	return c.ledger.ClearPendingWrites()
}
