package credential

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKey is returned when key material is in no known format.
var ErrUnsupportedKey = errors.New("credential: unsupported private key format")

// Load reads a private key file and returns a signer for it. PEM encoded
// RSA keys (PKCS#1 or PKCS#8), OpenSSH private keys and NKey seeds are
// recognised.
func Load(path, keyID string) (Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: read key %s: %w", path, err)
	}
	s, err := Parse(raw, keyID)
	if err != nil {
		return nil, fmt.Errorf("credential: %s: %w", path, err)
	}
	return s, nil
}

// Parse builds a signer from key material.
func Parse(raw []byte, keyID string) (Signer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrNoKey
	}
	if raw[0] == 'S' {
		if s, err := NewNKeySigner(raw); err == nil {
			return s, nil
		}
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrUnsupportedKey
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return NewRSASigner(key, keyID)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		if key, ok := parsed.(*rsa.PrivateKey); ok {
			return NewRSASigner(key, keyID)
		}
		signer, err := ssh.NewSignerFromKey(parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
		}
		return NewSSHSigner(signer, keyID)
	case "OPENSSH PRIVATE KEY":
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse openssh key: %w", err)
		}
		return NewSSHSigner(signer, keyID)
	}
	return nil, fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)
}
