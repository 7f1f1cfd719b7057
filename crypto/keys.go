package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	signingKeyPEMType   = "ED25519 PRIVATE KEY"
	messagingKeyPEMType = "X25519 PRIVATE KEY"

	signingKeyFile   = "signing_ed25519.pem"
	messagingKeyFile = "messaging_x25519.pem"

	x25519KeySize = 32
)

// Identity is the local user's long-lived key material.
type Identity struct {
	SigningKey         ed25519.PrivateKey
	SigningPublicKey   ed25519.PublicKey
	MessagingKey       [x25519KeySize]byte
	MessagingPublicKey [x25519KeySize]byte
}

// EnsureIdentity loads the identity keys from keysDir, generating any key that
// does not exist yet.
func EnsureIdentity(keysDir string) (*Identity, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	signingPath := filepath.Join(keysDir, signingKeyFile)
	signingRaw, err := ensurePEMKey(signingPath, signingKeyPEMType, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("ensure signing key: %w", err)
	}

	messagingPath := filepath.Join(keysDir, messagingKeyFile)
	messagingRaw, err := ensurePEMKey(messagingPath, messagingKeyPEMType, x25519KeySize)
	if err != nil {
		return nil, fmt.Errorf("ensure messaging key: %w", err)
	}

	return NewIdentity(signingRaw, messagingRaw)
}

// NewIdentity builds an identity from an Ed25519 seed and an X25519 scalar.
func NewIdentity(signingSeed, messagingKey []byte) (*Identity, error) {
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid Ed25519 seed length: got %d want %d", len(signingSeed), ed25519.SeedSize)
	}
	if len(messagingKey) != x25519KeySize {
		return nil, fmt.Errorf("invalid X25519 key length: got %d want %d", len(messagingKey), x25519KeySize)
	}

	signing := ed25519.NewKeyFromSeed(signingSeed)
	identity := &Identity{
		SigningKey:       signing,
		SigningPublicKey: signing.Public().(ed25519.PublicKey),
	}
	copy(identity.MessagingKey[:], messagingKey)

	public, err := curve25519.X25519(identity.MessagingKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive X25519 public key: %w", err)
	}
	copy(identity.MessagingPublicKey[:], public)

	return identity, nil
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate Ed25519 seed: %w", err)
	}
	scalar := make([]byte, x25519KeySize)
	if _, err := rand.Read(scalar); err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return NewIdentity(seed, scalar)
}

func ensurePEMKey(path, pemType string, size int) ([]byte, error) {
	raw, err := loadPEMKey(path, pemType, size)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	raw = make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate %s: %w", pemType, err)
	}
	block := &pem.Block{Type: pemType, Bytes: raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", pemType, err)
	}

	return raw, nil
}

func loadPEMKey(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s PEM: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s PEM: unexpected type %q", pemType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s PEM: invalid key size %d", pemType, len(block.Bytes))
	}

	return block.Bytes, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}

	return b.String()
}
