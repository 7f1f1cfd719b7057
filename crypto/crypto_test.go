package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIdentityIsStable(t *testing.T) {
	keysDir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureIdentity(keysDir)
	require.NoError(t, err)
	second, err := EnsureIdentity(keysDir)
	require.NoError(t, err)

	assert.Equal(t, first.SigningPublicKey, second.SigningPublicKey)
	assert.Equal(t, first.MessagingPublicKey, second.MessagingPublicKey)

	info, err := os.Stat(filepath.Join(keysDir, signingKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureIdentityRejectsCorruptKey(t *testing.T) {
	keysDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, signingKeyFile), []byte("not pem"), 0o600))

	_, err := EnsureIdentity(keysDir)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)
	service := NewService(identity)

	data := []byte(`{"type":"text","data":{"text":"hi"}}`)
	signature, err := service.Sign(data)
	require.NoError(t, err)

	assert.True(t, Verify(identity.SigningPublicKey, data, signature))
	assert.False(t, Verify(identity.SigningPublicKey, []byte("tampered"), signature))

	_, err = service.Sign(nil)
	assert.Error(t, err)
}

func TestEncryptForCoreRoundTrip(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)
	aliceService := NewService(alice)
	bobService := NewService(bob)

	const logKey = "8f1d0c3b5e6a"
	corePublic, err := aliceService.CorePublicKey(logKey)
	require.NoError(t, err)
	bobCorePublic, err := bobService.CorePublicKey(logKey)
	require.NoError(t, err)
	assert.Equal(t, corePublic, bobCorePublic, "every log holder derives the same core key")

	plaintext := []byte("hello over the log")
	sealed, err := aliceService.EncryptForCore(plaintext, corePublic)
	require.NoError(t, err)
	assert.Equal(t, alice.MessagingPublicKey[:], sealed.SenderPublicKey)
	assert.Len(t, sealed.Nonce, nonceSize)

	opened, err := bobService.DecryptFromCore(sealed, logKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	_, err = bobService.DecryptFromCore(sealed, "other-log")
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = aliceService.EncryptForCore(plaintext, []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
	assert.Len(t, KeyFingerprint([]byte("key")), 32)
}
