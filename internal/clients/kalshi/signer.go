package kalshi

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
	"strings"
)

// Signer produces the RSA-PSS request signatures Kalshi requires.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSignerFromFile loads a PEM-encoded RSA private key.
func NewSignerFromFile(path string) (*Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return NewSigner(keyData)
}

// NewSigner parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func NewSigner(pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type: expected RSA private key")
	}
	return &Signer{key: key}, nil
}

// Sign returns the base64 RSA-PSS signature over
// "{timestamp_ms}{METHOD}{full path without query}". The full path includes
// the /trade-api/v2 prefix.
func (s *Signer) Sign(method, path string, timestampMs int64) (string, error) {
	return s.signRaw(method, apiPrefix+path, timestampMs)
}

// signRaw signs an already-prefixed path, used for websocket upgrades whose
// prefix differs from the REST one.
func (s *Signer) signRaw(method, fullPath string, timestampMs int64) (string, error) {
	if idx := strings.Index(fullPath, "?"); idx >= 0 {
		fullPath = fullPath[:idx]
	}

	message := fmt.Sprintf("%d%s%s", timestampMs, method, fullPath)
	digest := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}
