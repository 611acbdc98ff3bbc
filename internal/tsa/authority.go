// Package tsa implements a small RFC3161 timestamping authority for local
// development and tests. It signs TimeStampTokens with an RSA key whose
// self-signed certificate carries the time-stamping extended key usage.
package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/digitorus/timestamp"
)

const (
	certFile = "tsa.crt"
	keyFile  = "tsa.key"

	// DefaultKeyBits is the RSA modulus size of generated signing keys.
	DefaultKeyBits = 2048
)

var (
	// DefaultPolicy is the policy OID stamped on tokens when none is configured.
	// It sits under the private-use example arc and carries no external meaning.
	DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 32473, 1, 1}

	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidKPTimeStamping   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	errPolicyNotAllowed = errors.New("requested policy not supported")
)

// Authority signs timestamp requests.
type Authority struct {
	dir     string
	keyBits int
	policy  asn1.ObjectIdentifier
	now     func() time.Time

	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewAuthority returns an Authority that keeps its key and certificate in dir.
// Call LoadOrCreate before signing.
func NewAuthority(dir string, keyBits int) *Authority {
	if keyBits == 0 {
		keyBits = DefaultKeyBits
	}
	return &Authority{
		dir:     dir,
		keyBits: keyBits,
		policy:  DefaultPolicy,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewEphemeral returns an Authority with a freshly generated key that is never
// written to disk.
func NewEphemeral(keyBits int) (*Authority, error) {
	a := NewAuthority("", keyBits)
	cert, key, err := a.generate()
	if err != nil {
		return nil, err
	}
	a.cert, a.key = cert, key
	return a, nil
}

// SetPolicy changes the policy OID stamped on issued tokens.
func (a *Authority) SetPolicy(oid asn1.ObjectIdentifier) { a.policy = oid }

// Policy returns the policy OID stamped on issued tokens.
func (a *Authority) Policy() asn1.ObjectIdentifier { return a.policy }

// LoadOrCreate loads the signing key from disk if it exists; creates a new one otherwise.
func (a *Authority) LoadOrCreate() error {
	if err := a.Load(); err == nil {
		return nil
	}
	return a.Create()
}

// Load reads an existing certificate and key from the configured directory.
func (a *Authority) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(a.dir, certFile))
	if err != nil {
		return fmt.Errorf("read TSA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(a.dir, keyFile))
	if err != nil {
		return fmt.Errorf("read TSA key: %w", err)
	}
	cert, key, err := decodeCertAndKey(certPEM, keyPEM)
	if err != nil {
		return err
	}
	a.cert = cert
	a.key = key
	return nil
}

// Create generates a new signing key and certificate and saves both to disk.
func (a *Authority) Create() error {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("create TSA dir %q: %w", a.dir, err)
	}

	cert, key, err := a.generate()
	if err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(filepath.Join(a.dir, certFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write TSA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write TSA key: %w", err)
	}

	a.cert = cert
	a.key = key
	return nil
}

// Cert returns the signing certificate.
func (a *Authority) Cert() *x509.Certificate { return a.cert }

// CertPEM returns the signing certificate encoded as PEM.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// Stamp answers a DER-encoded TimeStampReq with a DER-encoded TimeStampResp.
// Requests that cannot be honoured get a rejection response and a non-nil error.
func (a *Authority) Stamp(query []byte) ([]byte, error) {
	if a.cert == nil || a.key == nil {
		return nil, fmt.Errorf("TSA signing key not loaded")
	}

	req, err := timestamp.ParseRequest(query)
	if err != nil {
		return rejection(timestamp.BadDataFormat, fmt.Errorf("parse timestamp request: %w", err))
	}
	if len(req.TSAPolicyOID) > 0 && !req.TSAPolicyOID.Equal(a.policy) {
		return rejection(timestamp.UnacceptedPolicy, errPolicyNotAllowed)
	}

	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              a.now(),
		Accuracy:          time.Second,
		Policy:            a.policy,
		Nonce:             req.Nonce,
		AddTSACertificate: req.Certificates,
	}
	resp, err := ts.CreateResponseWithOpts(a.cert, a.key, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign timestamp response: %w", err)
	}
	return resp, nil
}

// rejection encodes a rejection response and returns it alongside cause.
func rejection(info timestamp.FailureInfo, cause error) ([]byte, error) {
	resp, err := timestamp.CreateErrorResponse(timestamp.Rejection, info)
	if err != nil {
		return nil, fmt.Errorf("encode rejection: %w", err)
	}
	return resp, cause
}

func (a *Authority) generate() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, a.keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate TSA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	// RFC3161 §2.3 requires the time-stamping EKU to be the only one and critical.
	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPTimeStamping})
	if err != nil {
		return nil, nil, fmt.Errorf("encode extended key usage: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "ledgeranchor development TSA",
			Organization: []string{"ledgeranchor"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtKeyUsage, Critical: true, Value: eku},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create TSA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse TSA certificate: %w", err)
	}
	return cert, key, nil
}

// decodeCertAndKey parses PEM-encoded certificate and RSA private key bytes.
func decodeCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
