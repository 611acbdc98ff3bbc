package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested transaction or anchor does not exist.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Overview summarises the ledger.
type Overview struct {
	Transactions uint64 `json:"transactions"`
	Position     int64  `json:"position"`
	StoreHash    string `json:"store_hash"`
}

// Transaction is one ledger entry. Hashes are hex-encoded.
type Transaction struct {
	Index           int64     `json:"index"`
	Timestamp       time.Time `json:"timestamp"`
	RawData         []byte    `json:"raw_data"`
	Records         []string  `json:"records"`
	MutationHash    string    `json:"mutation_hash"`
	TransactionHash string    `json:"transaction_hash"`
	StoreHash       string    `json:"store_hash"`
}

// Anchor is a commitment to the ledger state at Position.
type Anchor struct {
	Position         int64  `json:"position"`
	TransactionCount uint64 `json:"transaction_count"`
	FullStoreHash    string `json:"full_store_hash"`
}

// Proof is the evidence one trust backend issued for an anchor.
type Proof struct {
	Position int64  `json:"position"`
	Provider string `json:"provider"`
	PartyID  string `json:"party_id"`
	Payload  []byte `json:"payload"`
}

// Record is a stored anchor with its proofs.
type Record struct {
	ID         string    `json:"id"`
	Anchor     Anchor    `json:"anchor"`
	Proofs     []Proof   `json:"proofs"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TriggerResult is the outcome of an on-demand anchoring run. Anchor is nil
// when the ledger was empty; Record is set only when an anchor was recorded.
type TriggerResult struct {
	Outcome string  `json:"outcome"`
	Anchor  *Anchor `json:"anchor,omitempty"`
	Record  *Record `json:"record,omitempty"`
}

// ProofCheck is the server's verdict on one proof.
type ProofCheck struct {
	Provider    string     `json:"provider"`
	PartyID     string     `json:"party_id"`
	Valid       bool       `json:"valid"`
	Error       string     `json:"error,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Signer      string     `json:"signer,omitempty"`
	Serial      string     `json:"serial,omitempty"`
}

// Verification is the server's verdict on a stored anchor.
type Verification struct {
	Anchor      Anchor       `json:"anchor"`
	LedgerMatch bool         `json:"ledger_match"`
	Proofs      []ProofCheck `json:"proofs"`
	Valid       bool         `json:"valid"`
}

// Client talks to one anchord instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Overview returns the ledger size and tip.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, "/api/v1/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLedger asks the server to walk the ledger hash chain. A broken chain
// is reported through valid=false and reason, not through err.
func (c *Client) VerifyLedger(ctx context.Context) (valid bool, reason string, err error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/verify", &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}

// GetTransaction fetches the transaction at idx.
func (c *Client) GetTransaction(ctx context.Context, idx int64) (*Transaction, error) {
	var out Transaction
	if err := c.getJSON(ctx, "/api/v1/ledger/transactions/"+strconv.FormatInt(idx, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendTransaction appends a transaction whose raw data is the JSON encoding
// of data. records lists the keys of the records it touches.
func (c *Client) AppendTransaction(ctx context.Context, data any, records []string) (*Transaction, error) {
	var out Transaction
	body := map[string]any{"data": data, "records": records}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/transactions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerAnchor runs one anchoring pass on the server.
func (c *Client) TriggerAnchor(ctx context.Context) (*TriggerResult, error) {
	var out TriggerResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/anchors", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAnchors returns up to limit stored anchors, newest first. limit <= 0
// uses the server default.
func (c *Client) ListAnchors(ctx context.Context, limit int) ([]Record, error) {
	path := "/api/v1/anchors"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Anchors []Record `json:"anchors"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Anchors, nil
}

// LatestAnchor returns the most recent stored anchor.
func (c *Client) LatestAnchor(ctx context.Context) (*Record, error) {
	var out Record
	if err := c.getJSON(ctx, "/api/v1/anchors/latest", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnchor returns the stored anchor at position.
func (c *Client) GetAnchor(ctx context.Context, position int64) (*Record, error) {
	var out Record
	if err := c.getJSON(ctx, "/api/v1/anchors/"+strconv.FormatInt(position, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAnchor asks the server to re-verify the anchor at position.
func (c *Client) VerifyAnchor(ctx context.Context, position int64) (*Verification, error) {
	var out Verification
	if err := c.getJSON(ctx, "/api/v1/anchors/"+strconv.FormatInt(position, 10)+"/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecorderReady reports whether the server's recorder can accept an anchor.
func (c *Client) RecorderReady(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/recorder/ready", nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, apiError(status, body)
	}
}

// ── internals ────────────────────────────────────────────────────────────

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	status, respBody, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if status >= 300 {
		return apiError(status, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody performs req and returns (statusCode, body, error) without
// failing on 4xx/5xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}
