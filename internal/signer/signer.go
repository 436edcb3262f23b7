// Package signer handles the per-session Ed25519 keypair used to sign
// captured frames, and the loading of public keys for verification.
//
// The private seed lives in locked memory and can be erased exactly once.
// After erasure Sign fails with ErrKeyErased and no code path can recover
// the seed; only a new Keypair produces usable signatures again.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"tripwire/internal/security"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyErased        = errors.New("signer: private key has been erased")
)

const pemTypePublicKey = "PUBLIC KEY"

// Keypair is an ephemeral Ed25519 signing key.
type Keypair struct {
	public ed25519.PublicKey

	mu       sync.Mutex
	seed     *security.SecureBytes
	erasedAt time.Time
}

// Generate creates a fresh keypair. The seed never leaves locked memory
// except transiently inside Sign.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}

	seed := security.FromBytes(priv.Seed())
	security.Wipe(priv)

	return &Keypair{public: pub, seed: seed}, nil
}

// Sign returns a detached signature over msg.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.seed == nil {
		return nil, ErrKeyErased
	}

	var sig []byte
	ok := k.seed.Use(func(seed []byte) {
		priv := ed25519.NewKeyFromSeed(seed)
		sig = ed25519.Sign(priv, msg)
		security.Wipe(priv)
	})
	if !ok {
		return nil, ErrKeyErased
	}
	return sig, nil
}

// Erase destroys the private seed. It reports whether this call performed
// the erasure; later calls return false and change nothing.
func (k *Keypair) Erase() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.seed == nil {
		return false
	}
	k.seed.Destroy()
	k.seed = nil
	k.erasedAt = time.Now()
	return true
}

// Erased reports whether the private seed has been destroyed.
func (k *Keypair) Erased() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.seed == nil
}

// ErasedAt returns when Erase ran, or the zero time.
func (k *Keypair) ErasedAt() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.erasedAt
}

// PublicKey returns the public half. It remains valid after erasure.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.public
}

// PublicKeyPEM encodes the public key as a PEM SubjectPublicKeyInfo block.
func (k *Keypair) PublicKeyPEM() ([]byte, error) {
	return EncodePublicKeyPEM(k.public)
}

// AuthorizedKey returns the public key in OpenSSH authorized_keys form.
func (k *Keypair) AuthorizedKey() ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(k.public)
	if err != nil {
		return nil, fmt.Errorf("signer: ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), nil
}

// PubKeyHash is the hex SHA-256 of the PEM encoded public key.
func (k *Keypair) PubKeyHash() string {
	pemBytes, err := k.PublicKeyPEM()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(pemBytes)
	return hex.EncodeToString(sum[:])
}

// EncodePublicKeyPEM encodes an Ed25519 public key as PKIX PEM.
func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// Verify verifies an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, signature)
}

// LoadPublicKey reads an Ed25519 public key from file.
// Supports PEM (-----BEGIN PUBLIC KEY-----), OpenSSH (ssh-ed25519 ...)
// and raw 32-byte keys.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePublicKey(keyData)
}

// ParsePublicKey parses the formats accepted by LoadPublicKey.
func ParsePublicKey(keyData []byte) (ed25519.PublicKey, error) {
	if len(keyData) == ed25519.PublicKeySize {
		return ed25519.PublicKey(keyData), nil
	}

	if block, _ := pem.Decode(keyData); block != nil {
		if block.Type != pemTypePublicKey {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKeyFormat, block.Type)
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
		}
		return pub, nil
	}

	// Try OpenSSH format
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	cryptoPubKey, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}

	ed25519PubKey, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPubKey.CryptoPublicKey())
	}

	return ed25519PubKey, nil
}
