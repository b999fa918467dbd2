// Package clobrest implements the RSA-signed REST CLOB adapter. Prices are
// integer cents on the wire and normalized to [0,1] decimals at the boundary.
package clobrest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Signer signs requests with RSA PKCS#1 v1.5 over SHA-256. The canonical
// string is timestamp || METHOD || path || body with a Unix-milli timestamp.
type Signer struct {
	keyID      string
	privateKey *rsa.PrivateKey
}

// NewSigner wraps an already-parsed key.
func NewSigner(keyID string, key *rsa.PrivateKey) *Signer {
	return &Signer{keyID: keyID, privateKey: key}
}

// NewSignerFromPEM parses a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func NewSignerFromPEM(keyID string, pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var rsaKey *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		var ok bool
		rsaKey, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA (got %T)", parsed)
		}
	} else if pk1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		rsaKey = pk1
	} else {
		return nil, fmt.Errorf("parse private key: not PKCS#8 or PKCS#1")
	}

	return &Signer{keyID: keyID, privateKey: rsaKey}, nil
}

// NewSignerFromFile loads a PEM key file. Returns (nil, nil) when keyID or
// path is empty so callers can run without credentials in dry-run setups.
func NewSignerFromFile(keyID, keyFilePath string) (*Signer, error) {
	if keyID == "" || keyFilePath == "" {
		return nil, nil
	}
	pemData, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", keyFilePath, err)
	}
	s, err := NewSignerFromPEM(keyID, pemData)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", keyFilePath, err)
	}
	return s, nil
}

// KeyID returns the API key id attached to signed requests.
func (s *Signer) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

// Enabled reports whether the signer has credentials loaded.
func (s *Signer) Enabled() bool {
	return s != nil && s.keyID != "" && s.privateKey != nil
}

// Sign produces the timestamp and base64 signature headers for one request.
func (s *Signer) Sign(method, path, body string) (timestamp, signature string, err error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := s.SignAt(ts, method, path, body)
	return ts, sig, err
}

// SignAt signs the canonical string for a fixed timestamp. Split out so the
// signature scheme can be verified against known vectors.
func (s *Signer) SignAt(timestamp, method, path, body string) (string, error) {
	if s == nil || s.privateKey == nil {
		return "", fmt.Errorf("signer has no private key")
	}

	message := timestamp + method + path + body
	hash := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
