package devbus

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("devbus: signature does not verify")

// VerifySignature checks a base64 signature over challenge. RSA keys
// expect PKCS#1 v1.5 over SHA-256; SSH keys expect the SSH wire format.
func VerifySignature(pub crypto.PublicKey, challenge, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("devbus: decode signature: %w", err)
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256([]byte(challenge))
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) != nil {
			return ErrBadSignature
		}
		return nil
	case ssh.PublicKey:
		s := new(ssh.Signature)
		if err := ssh.Unmarshal(sig, s); err != nil {
			return fmt.Errorf("devbus: parse ssh signature: %w", err)
		}
		if k.Verify([]byte(challenge), s) != nil {
			return ErrBadSignature
		}
		return nil
	}
	return fmt.Errorf("devbus: unsupported key type %T", pub)
}

// ParsePublicKey reads a PEM encoded RSA public key or an OpenSSH
// authorized_keys line.
func ParsePublicKey(raw []byte) (crypto.PublicKey, error) {
	if block, _ := pem.Decode(raw); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			return x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		}
		return nil, fmt.Errorf("devbus: unsupported pem block %q", block.Type)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return nil, fmt.Errorf("devbus: parse public key: %w", err)
	}
	return pub, nil
}

// LoadKeyDir registers every "<agentId>.pub" file in dir under key id
// "<agentId>". It returns the number of keys loaded.
func (b *Bus) LoadKeyDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		pub, err := ParsePublicKey(raw)
		if err != nil {
			return n, fmt.Errorf("%s: %w", e.Name(), err)
		}
		agentID := strings.TrimSuffix(e.Name(), ".pub")
		b.RegisterKey(agentID, agentID, pub)
		n++
	}
	return n, nil
}
