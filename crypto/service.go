package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"pigeon/models"
)

const (
	nonceSize   = 24
	coreKeyInfo = "pigeon/core-key/v1"
)

var (
	// ErrInvalidPublicKey indicates a recipient key that is not 32 bytes.
	ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")
	// ErrDecryptFailed indicates box authentication failed.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// Service signs and encrypts on behalf of the local identity.
type Service struct {
	identity *Identity
}

// NewService wraps an identity.
func NewService(identity *Identity) *Service {
	return &Service{identity: identity}
}

// Identity returns the wrapped key material.
func (s *Service) Identity() *Identity {
	return s.identity
}

// Sign signs data with the identity's Ed25519 key.
func (s *Service) Sign(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(s.identity.SigningKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// EncryptForCore seals data to recipientPublicKey using the identity's
// messaging key as sender.
func (s *Service) EncryptForCore(data, recipientPublicKey []byte) (models.EncryptedBody, error) {
	if len(recipientPublicKey) != x25519KeySize {
		return models.EncryptedBody{}, ErrInvalidPublicKey
	}
	var recipient [x25519KeySize]byte
	copy(recipient[:], recipientPublicKey)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return models.EncryptedBody{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.Seal(nil, data, &nonce, &recipient, &s.identity.MessagingKey)
	return models.EncryptedBody{
		Ciphertext:      sealed,
		Nonce:           nonce[:],
		SenderPublicKey: append([]byte(nil), s.identity.MessagingPublicKey[:]...),
	}, nil
}

// CorePublicKey returns the public half of the key every holder of logKey can
// derive. Content for a conversation log is sealed to it.
func (s *Service) CorePublicKey(logKey string) ([]byte, error) {
	private, err := deriveCoreKey(logKey)
	if err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive core public key: %w", err)
	}
	return public, nil
}

// DecryptFromCore opens content sealed to the core key of logKey.
func (s *Service) DecryptFromCore(body models.EncryptedBody, logKey string) ([]byte, error) {
	if len(body.Nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(body.Nonce), nonceSize)
	}
	if len(body.SenderPublicKey) != x25519KeySize {
		return nil, ErrInvalidPublicKey
	}
	private, err := deriveCoreKey(logKey)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], body.Nonce)
	var sender [x25519KeySize]byte
	copy(sender[:], body.SenderPublicKey)

	plaintext, ok := box.Open(nil, body.Ciphertext, &nonce, &sender, &private)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func deriveCoreKey(logKey string) ([x25519KeySize]byte, error) {
	var key [x25519KeySize]byte
	if logKey == "" {
		return key, errors.New("log key is required")
	}
	reader := hkdf.New(sha256.New, []byte(logKey), nil, []byte(coreKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("derive core key: %w", err)
	}
	return key, nil
}
