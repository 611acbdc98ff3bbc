// Package timestamp anchors ledger state into an RFC3161 timestamping
// authority (TSA). Each anchor is reduced to a canonical payload, the payload
// is hashed with SHA-256, and the TSA's signed TimeStampToken over that digest
// becomes the proof.
package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"go.uber.org/zap"
)

const (
	// Kind is the registry kind for timestamp recorders.
	Kind = "timestamp"

	// DefaultProvider is the provider label used when none is configured.
	DefaultProvider = "Timestamp"

	// ContentTypeQuery is the media type of an RFC3161 request.
	ContentTypeQuery = "application/timestamp-query"
	// ContentTypeReply is the media type of an RFC3161 response.
	ContentTypeReply = "application/timestamp-reply"

	// DefaultTimeout bounds a TSA round trip when no http.Client is supplied.
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 1 << 20
)

// payloadMarker prefixes every canonical anchor payload.
var payloadMarker = [2]byte{0x4f, 0x43}

// Payload returns the canonical byte encoding of a:
// the two marker bytes, TransactionCount as a big-endian uint64, then the raw
// FullStoreHash.
func Payload(a anchor.LedgerAnchor) []byte {
	buf := make([]byte, 0, len(payloadMarker)+8+len(a.FullStoreHash))
	buf = append(buf, payloadMarker[:]...)
	buf = binary.BigEndian.AppendUint64(buf, a.TransactionCount)
	buf = append(buf, a.FullStoreHash...)
	return buf
}

// Digest returns the SHA-256 digest of Payload(a). It is the message imprint
// submitted to the TSA.
func Digest(a anchor.LedgerAnchor) []byte {
	sum := sha256.Sum256(Payload(a))
	return sum[:]
}

// Recorder anchors ledger state with an RFC3161 timestamping authority.
// It holds no state besides its configuration and is safe for concurrent use.
type Recorder struct {
	url      string
	provider string
	partyID  string
	nonce    bool
	policy   asn1.ObjectIdentifier
	http     *http.Client
	logger   *zap.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithHTTPClient sets the client used to reach the TSA. Its timeout and
// transport settings govern the network policy of every RecordAnchor call.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Recorder) { r.http = hc }
}

// WithoutNonce stops the recorder from adding a random nonce to requests.
func WithoutNonce() Option {
	return func(r *Recorder) { r.nonce = false }
}

// WithPolicy asks the TSA to issue tokens under the given policy and rejects
// tokens issued under any other.
func WithPolicy(oid asn1.ObjectIdentifier) Option {
	return func(r *Recorder) { r.policy = oid }
}

// WithLogger sets the recorder's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// New creates a Recorder posting requests to tsaURL. provider and partyID are
// copied into every proof.
func New(tsaURL, provider, partyID string, opts ...Option) (*Recorder, error) {
	u, err := url.Parse(tsaURL)
	if err != nil {
		return nil, fmt.Errorf("parse TSA URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("TSA URL %q must be http or https", tsaURL)
	}
	if provider == "" {
		provider = DefaultProvider
	}

	r := &Recorder{
		url:      u.String(),
		provider: provider,
		partyID:  partyID,
		nonce:    true,
		http:     &http.Client{Timeout: DefaultTimeout},
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// URL returns the TSA endpoint.
func (r *Recorder) URL() string { return r.url }

// Provider returns the provider label stamped on proofs.
func (r *Recorder) Provider() string { return r.provider }

// CanRecordAnchor implements anchor.Recorder. A TSA is assumed to be available;
// no probe is made.
func (r *Recorder) CanRecordAnchor(context.Context) bool { return true }

// RecordAnchor implements anchor.Recorder. It returns exactly one proof whose
// payload is the DER-encoded TimeStampToken.
func (r *Recorder) RecordAnchor(ctx context.Context, a anchor.LedgerAnchor) ([]anchor.Proof, error) {
	req := &timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: Digest(a),
		Certificates:  true,
		TSAPolicyOID:  r.policy,
	}
	if r.nonce {
		n, err := newNonce()
		if err != nil {
			return nil, err
		}
		req.Nonce = n
	}

	query, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode timestamp request: %w", err)
	}

	body, err := r.post(ctx, query)
	if err != nil {
		return nil, err
	}

	ts, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	if err := validate(req, ts); err != nil {
		return nil, err
	}

	r.logger.Debug("anchor timestamped",
		zap.Int64("position", a.Position),
		zap.String("tsa", r.url),
		zap.Time("gen_time", ts.Time),
		zap.String("serial", ts.SerialNumber.String()),
	)

	return []anchor.Proof{{
		Position: a.Position,
		Provider: r.provider,
		PartyID:  r.partyID,
		Payload:  ts.RawToken,
	}}, nil
}

// post sends query to the TSA and returns the response body.
func (r *Recorder) post(ctx context.Context, query []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("build timestamp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentTypeQuery)
	httpReq.Header.Set("Accept", ContentTypeReply)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %w", anchor.ErrTransport, r.url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, &anchor.RejectedError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response from %s: %w", anchor.ErrTransport, r.url, err)
	}
	return body, nil
}

// pkiStatusInfo and response mirror the RFC3161 TimeStampResp envelope so the
// PKI status can be inspected before the token is parsed.
type pkiStatusInfo struct {
	Status       timestamp.Status
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type response struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// parseResponse decodes a TimeStampResp. A refused request is a
// *anchor.RejectedError; anything unparseable fails validation.
func parseResponse(body []byte) (*timestamp.Timestamp, error) {
	var env response
	if _, err := asn1.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp response: %w", anchor.ErrValidation, err)
	}
	if env.Status.Status >= timestamp.Rejection {
		status := env.Status.Status.String()
		if len(env.Status.StatusString) > 0 {
			status += ": " + strings.Join(env.Status.StatusString, ", ")
		}
		return nil, &anchor.RejectedError{Status: status}
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", anchor.ErrValidation, err)
	}
	return ts, nil
}

// validate checks that ts answers req: same message imprint, same nonce, the
// requested policy, and a signer certificate when one was asked for.
func validate(req *timestamp.Request, ts *timestamp.Timestamp) error {
	if ts.HashAlgorithm != req.HashAlgorithm {
		return fmt.Errorf("%w: token hash algorithm %v, requested %v", anchor.ErrValidation, ts.HashAlgorithm, req.HashAlgorithm)
	}
	if !bytes.Equal(ts.HashedMessage, req.HashedMessage) {
		return fmt.Errorf("%w: token message imprint does not match request", anchor.ErrValidation)
	}
	if req.Nonce != nil && (ts.Nonce == nil || ts.Nonce.Cmp(req.Nonce) != 0) {
		return fmt.Errorf("%w: token nonce does not match request", anchor.ErrValidation)
	}
	if len(req.TSAPolicyOID) > 0 && !ts.Policy.Equal(req.TSAPolicyOID) {
		return fmt.Errorf("%w: token policy %v, requested %v", anchor.ErrValidation, ts.Policy, req.TSAPolicyOID)
	}
	if req.Certificates && len(ts.Certificates) == 0 {
		return fmt.Errorf("%w: token carries no signer certificate", anchor.ErrValidation)
	}
	return nil
}

// newNonce returns a random 64-bit nonce.
func newNonce() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// ParsePolicy parses a dotted object identifier such as "1.3.6.1.4.1.13762.3".
func ParsePolicy(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("policy %q is not a dotted OID", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("policy %q is not a dotted OID", s)
		}
		oid[i] = v
	}
	return oid, nil
}
