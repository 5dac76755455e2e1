// Package search talks to the Elasticsearch-compatible index over
// plain REST. Indexing is best effort: callers log and count
// failures but never fail a pipeline because the index is down, so
// the client carries a circuit breaker to shed load quickly when the
// cluster is unreachable.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/pkg/httpretry"
)

// createIndexBody is sent when an index does not exist yet. Mappings
// stay dynamic; per-day indexes are small enough for a single shard.
const createIndexBody = `{"settings":{"number_of_shards":1,"number_of_replicas":0}}`

// Document is one item of a bulk indexing request.
type Document struct {
	ID   string
	Body interface{}
}

// Client is a thin REST client for the search cluster.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

type doResult struct {
	status int
	body   []byte
}

// NewClient builds a search client from configuration.
func NewClient(cfg config.SearchConfig, log *zap.Logger) *Client {
	retry := httpretry.New(&http.Client{Timeout: cfg.Timeout()}, 3, 150*time.Millisecond)
	retry.Logf = log.Sugar().Debugf
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: retry,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "search",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("search breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

// do runs one request through the breaker. Transport errors and 5xx
// responses count as breaker failures; 4xx are the caller's problem
// and leave the breaker closed.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (doResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("search error (status %d): %s", resp.StatusCode, truncate(respBody, 300))
		}
		return doResult{status: resp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		return doResult{}, err
	}
	return out.(doResult), nil
}

// Ping checks that the cluster answers at all.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/", "", nil)
	if err != nil {
		return err
	}
	if res.status != http.StatusOK {
		return fmt.Errorf("search ping: status %d", res.status)
	}
	return nil
}

// EnsureIndex creates the index if it does not exist. A concurrent
// creation by another worker surfaces as resource_already_exists and
// is not an error.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	res, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(index), "application/json", []byte(createIndexBody))
	if err != nil {
		return fmt.Errorf("creating index %s: %w", index, err)
	}
	if res.status < 300 {
		return nil
	}
	if res.status == http.StatusBadRequest && bytes.Contains(res.body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("creating index %s: status %d: %s", index, res.status, truncate(res.body, 300))
}

// EnsureAlias points alias at index so queries can address the whole
// series of daily indexes under one stable name.
func (c *Client) EnsureAlias(ctx context.Context, index, alias string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"actions": []map[string]interface{}{
			{"add": map[string]string{"index": index, "alias": alias}},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding alias actions: %w", err)
	}
	res, err := c.do(ctx, http.MethodPost, "/_aliases", "application/json", payload)
	if err != nil {
		return fmt.Errorf("updating alias %s: %w", alias, err)
	}
	if res.status >= 300 {
		return fmt.Errorf("updating alias %s: status %d: %s", alias, res.status, truncate(res.body, 300))
	}
	return nil
}

// IndexDocument writes one document with the given id.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id)
	res, err := c.do(ctx, http.MethodPut, path, "application/json", payload)
	if err != nil {
		return fmt.Errorf("indexing document %s: %w", id, err)
	}
	if res.status >= 300 {
		return fmt.Errorf("indexing document %s: status %d: %s", id, res.status, truncate(res.body, 300))
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// BulkIndex writes docs into index with one _bulk call. Documents the
// cluster rejected come back keyed by id with the rejection reason; a
// non-empty map with a nil error means the request itself succeeded
// and only those documents need retrying.
func (c *Client) BulkIndex(ctx context.Context, index string, docs []Document) (map[string]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]map[string]string{
			"index": {"_index": index, "_id": doc.ID},
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("encoding bulk action: %w", err)
		}
		if err := enc.Encode(doc.Body); err != nil {
			return nil, fmt.Errorf("encoding bulk document %s: %w", doc.ID, err)
		}
	}

	res, err := c.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("bulk indexing: %w", err)
	}
	if res.status >= 300 {
		return nil, fmt.Errorf("bulk indexing: status %d: %s", res.status, truncate(res.body, 300))
	}

	var parsed bulkResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil, nil
	}
	failed := map[string]string{}
	for i, item := range parsed.Items {
		for _, op := range item {
			if op.Status < 300 {
				continue
			}
			id := op.ID
			if id == "" && i < len(docs) {
				// Responses come back in request order.
				id = docs[i].ID
			}
			reason := fmt.Sprintf("status %d: %s", op.Status, truncate(op.Error, 300))
			failed[id] = reason
			c.log.Warn("bulk item rejected",
				zap.String("id", id),
				zap.Int("status", op.Status),
				zap.ByteString("error", op.Error))
		}
	}
	return failed, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
