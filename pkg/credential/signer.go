// Package credential holds the private key material an agent proves its
// identity with. A Signer never exposes the key itself.
package credential

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nats-io/nkeys"
	"golang.org/x/crypto/ssh"
)

// Signer produces signatures over challenge bytes.
type Signer interface {
	// Sign returns the raw signature for data. Callers encode it for transport.
	Sign(data []byte) ([]byte, error)
	// KeyID names the key to the verifying side.
	KeyID() string
}

// ErrNoKey is returned when a signer has no usable key.
var ErrNoKey = errors.New("credential: no private key loaded")

// SigningError wraps a failure to produce a signature. It is always fatal to
// a session: retrying with the same key cannot succeed.
type SigningError struct {
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("credential: signing with key %q failed: %v", e.KeyID, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// RSASigner signs the SHA-256 digest of the input with RSASSA-PKCS1-v1_5.
type RSASigner struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewRSASigner returns a signer for key. An empty keyID is replaced by the
// hex SHA-256 fingerprint of the public key.
func NewRSASigner(key *rsa.PrivateKey, keyID string) (*RSASigner, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	if keyID == "" {
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("credential: fingerprint rsa key: %w", err)
		}
		sum := sha256.Sum256(der)
		keyID = hex.EncodeToString(sum[:])
	}
	return &RSASigner{key: key, keyID: keyID}, nil
}

func (s *RSASigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, &SigningError{KeyID: s.keyID, Err: err}
	}
	return sig, nil
}

func (s *RSASigner) KeyID() string { return s.keyID }

// Public returns the verifying half of the key.
func (s *RSASigner) Public() *rsa.PublicKey { return &s.key.PublicKey }

// SSHSigner signs with an SSH private key. The output is the SSH wire
// encoding of the signature, as produced by ssh.Marshal.
type SSHSigner struct {
	signer ssh.Signer
	keyID  string
}

// NewSSHSigner wraps signer. An empty keyID is replaced by the SHA-256
// fingerprint of the public key in lowercase hex.
func NewSSHSigner(signer ssh.Signer, keyID string) (*SSHSigner, error) {
	if signer == nil {
		return nil, ErrNoKey
	}
	if keyID == "" {
		keyID = Fingerprint(signer.PublicKey())
	}
	return &SSHSigner{signer: signer, keyID: keyID}, nil
}

func (s *SSHSigner) Sign(data []byte) ([]byte, error) {
	sig, err := s.signer.Sign(rand.Reader, data)
	if err != nil {
		return nil, &SigningError{KeyID: s.keyID, Err: err}
	}
	return ssh.Marshal(sig), nil
}

func (s *SSHSigner) KeyID() string { return s.keyID }

// PublicKey returns the SSH public key.
func (s *SSHSigner) PublicKey() ssh.PublicKey { return s.signer.PublicKey() }

// Fingerprint computes the lowercase hex SHA-256 of an SSH public key.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(sum[:])
}

// NKeySigner signs with a NATS NKey. Its key id is the public key.
type NKeySigner struct {
	kp    nkeys.KeyPair
	keyID string
}

// NewNKeySigner parses an encoded NKey seed.
func NewNKeySigner(seed []byte) (*NKeySigner, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("credential: parse nkey seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("credential: nkey public key: %w", err)
	}
	return &NKeySigner{kp: kp, keyID: pub}, nil
}

func (s *NKeySigner) Sign(data []byte) ([]byte, error) {
	sig, err := s.kp.Sign(data)
	if err != nil {
		return nil, &SigningError{KeyID: s.keyID, Err: err}
	}
	return sig, nil
}

func (s *NKeySigner) KeyID() string { return s.keyID }

// PublicKey is the encoded public NKey, used as the NATS user.
func (s *NKeySigner) PublicKey() string { return s.keyID }
