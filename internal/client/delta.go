package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SyncCounts reports what a delta sync applied.
type SyncCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// deltaResponse mirrors the delta endpoint's payload.
type deltaResponse struct {
	Created []Memory  `json:"created"`
	Updated []Memory  `json:"updated"`
	Deleted []string  `json:"deleted"`
	Now     time.Time `json:"now"`
}

// IncrementalSync pulls records changed since the offline store's checkpoint
// and applies them: created and updated as one upsert batch, deleted by key.
// The checkpoint only advances to the server's clock after both steps
// succeed, so a partial apply is retried on the next run. Re-running with no
// server-side changes yields all-zero counts.
func (c *Client) IncrementalSync(ctx context.Context) (SyncCounts, error) {
	path := "/sync/delta"
	if since := c.store.LastSyncAt(); !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	// Delta pulls bypass the freshness cache: every run must see the
	// server's current state.
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return SyncCounts{}, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return SyncCounts{}, &NetworkError{Err: err}
	}
	defer httpResp.Body.Close()
	c.setOnline(true)

	payload, _, err := decodeBody(httpResp)
	if err != nil {
		return SyncCounts{}, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return SyncCounts{}, newAPIError(httpResp.StatusCode, payload)
	}

	var delta deltaResponse
	if err := unmarshalDelta(payload, &delta); err != nil {
		return SyncCounts{}, err
	}

	upserts := make([]Memory, 0, len(delta.Created)+len(delta.Updated))
	upserts = append(upserts, delta.Created...)
	upserts = append(upserts, delta.Updated...)
	if len(upserts) > 0 {
		if err := c.store.Sync(toRecords(upserts)); err != nil {
			return SyncCounts{}, fmt.Errorf("applying delta upserts: %w", err)
		}
	}
	if len(delta.Deleted) > 0 {
		if err := c.store.RemoveKeys(delta.Deleted); err != nil {
			return SyncCounts{}, fmt.Errorf("applying delta deletes: %w", err)
		}
	}

	if !delta.Now.IsZero() {
		if err := c.store.SetLastSync(delta.Now); err != nil {
			return SyncCounts{}, fmt.Errorf("advancing sync checkpoint: %w", err)
		}
	}

	return SyncCounts{
		Created: len(delta.Created),
		Updated: len(delta.Updated),
		Deleted: len(delta.Deleted),
	}, nil
}

func unmarshalDelta(payload []byte, delta *deltaResponse) error {
	if len(payload) == 0 {
		return fmt.Errorf("delta endpoint returned an empty body")
	}
	if err := json.Unmarshal(payload, delta); err != nil {
		return fmt.Errorf("decoding delta response: %w", err)
	}
	return nil
}
