// Package remote opens authenticated connections to a remote document store
// speaking a CouchDB-style bulk-fetch/replicate protocol over HTTP.
//
// Connect fails fast on a blank URI, injects basic authentication and custom
// headers on every request, and probes the store's metadata unless told not
// to. It carries no retry logic of its own — retry and backoff belong to the
// orchestrator, informed by the reach tracker. Failures come back as typed
// errors (EmptyURIError, TransportError, InfoFetchError) so callers branch
// with errors.As instead of string matching.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vaultsync/vaultsync/docsync"
)

// maxResponseBody caps the amount of response data read from the remote
// store to prevent memory exhaustion (64 MiB — batches can carry content).
const maxResponseBody int64 = 64 << 20

// Credentials authenticate against the remote store. An empty Username
// disables the Authorization header.
type Credentials struct {
	Username string
	Password string
}

// StoreInfo is the metadata returned by the store's root endpoint. DocCount
// lets the orchestrator decide whether the remote store is empty (first-time
// setup) or populated.
type StoreInfo struct {
	Name     string `json:"db_name"`
	DocCount int64  `json:"doc_count"`
}

// Option configures Connect.
type Option func(*options)

type options struct {
	skipInfo  bool
	headers   map[string]string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *slog.Logger
}

func defaultOptions() options {
	return options{
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
}

// WithSkipInfo disables the metadata probe after connecting.
func WithSkipInfo() Option {
	return func(o *options) { o.skipInfo = true }
}

// WithHeaders sets custom headers injected on every request.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithTimeout sets the per-request HTTP timeout. Default: 30s. A transport
// timeout surfaces as TransportError.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithTransport sets the base RoundTripper (for tests and custom TLS).
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithLogger sets a custom logger for the store handle.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store is an open handle to the remote document store.
type Store struct {
	uri    string
	client *http.Client
	logger *slog.Logger
	info   *StoreInfo

	closeOnce sync.Once
}

// Connect opens a handle to the document store at uri. Unless WithSkipInfo
// is given it immediately issues a metadata probe so callers learn the store
// name and document count.
func Connect(ctx context.Context, uri string, creds Credentials, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, &EmptyURIError{}
	}
	uri = strings.TrimRight(uri, "/")

	s := &Store{
		uri: uri,
		client: &http.Client{
			Timeout:   o.timeout,
			Transport: newAuthTransport(o.transport, creds, o.headers),
		},
		logger: o.logger,
	}

	if !o.skipInfo {
		info, err := s.fetchInfo(ctx)
		if err != nil {
			return nil, err
		}
		s.info = info
		s.logger.InfoContext(ctx, "remote store connected",
			"store", info.Name, "doc_count", info.DocCount)
	}

	return s, nil
}

// Info returns the metadata captured at connect time, or nil when the probe
// was skipped.
func (s *Store) Info() *StoreInfo { return s.info }

// fetchInfo probes the store's root endpoint. A network-level failure becomes
// TransportError; a store-level failure becomes InfoFetchError carrying the
// remote error's name and reason.
func (s *Store) fetchInfo(ctx context.Context) (*StoreInfo, error) {
	body, status, err := s.get(ctx, s.uri)
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Cause: err}
	}
	if status != http.StatusOK {
		name, reason := decodeStoreError(body, status)
		return nil, &InfoFetchError{Name: name, Message: reason}
	}

	var info StoreInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &InfoFetchError{Name: "invalid_response", Message: err.Error()}
	}
	return &info, nil
}

// ChangesBatch is one ordered batch from the store's changes feed.
type ChangesBatch struct {
	Records []docsync.ChangeRecord
	LastSeq string
}

// changesResponse mirrors the wire shape of the changes feed.
type changesResponse struct {
	Results []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
		Doc json.RawMessage `json:"doc"`
	} `json:"results"`
	// last_seq is a string on modern stores and a number on old ones.
	LastSeq json.RawMessage `json:"last_seq"`
}

func seqString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Changes pulls one batch of change records since the given sequence token.
// since="" starts from the beginning. The response body is validated against
// a JSON Schema before decoding.
func (s *Store) Changes(ctx context.Context, since string, limit int) (*ChangesBatch, error) {
	q := url.Values{}
	q.Set("include_docs", "true")
	q.Set("style", "all_docs")
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	body, status, err := s.get(ctx, s.uri+"/_changes?"+q.Encode())
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Cause: err}
	}
	if status != http.StatusOK {
		name, reason := decodeStoreError(body, status)
		return nil, fmt.Errorf("remote: changes feed: %s: %s", name, reason)
	}

	if err := validateChangesBody(body); err != nil {
		return nil, err
	}

	var resp changesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("remote: decode changes: %w", err)
	}

	batch := &ChangesBatch{LastSeq: seqString(resp.LastSeq)}
	for _, row := range resp.Results {
		var rec docsync.ChangeRecord
		if len(row.Doc) > 0 {
			if err := json.Unmarshal(row.Doc, &rec); err != nil {
				s.logger.WarnContext(ctx, "skipping undecodable change document",
					"id", row.ID, "error", err)
				continue
			}
		}
		rec.ID = row.ID
		if row.Deleted {
			rec.Deleted = true
		}
		if rec.Rev == "" && len(row.Changes) > 0 {
			rec.Rev = row.Changes[0].Rev
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// BulkResult reports the outcome for one document in a BulkDocs push.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkDocs pushes locally-produced records to the store in one request.
// Per-document conflicts come back in the results, not as an error.
func (s *Store) BulkDocs(ctx context.Context, records []docsync.ChangeRecord) ([]BulkResult, error) {
	payload, err := json.Marshal(map[string]any{"docs": records})
	if err != nil {
		return nil, fmt.Errorf("remote: encode bulk docs: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uri+"/_bulk_docs", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Cause: err}
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		name, reason := decodeStoreError(body, resp.StatusCode)
		return nil, fmt.Errorf("remote: bulk docs: %s: %s", name, reason)
	}

	var results []BulkResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("remote: decode bulk results: %w", err)
	}
	return results, nil
}

// Close releases idle connections. It is idempotent and safe to call when
// no session is active.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.client.CloseIdleConnections()
	})
	return nil
}

// get issues a GET and returns the limited body and status code.
func (s *Store) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// decodeStoreError extracts the remote error's name and reason from a
// CouchDB-style error body, falling back to the HTTP status.
func decodeStoreError(body []byte, status int) (name, reason string) {
	var remoteErr struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(body, &remoteErr) == nil && remoteErr.Error != "" {
		return remoteErr.Error, remoteErr.Reason
	}
	return fmt.Sprintf("http_%d", status), http.StatusText(status)
}
