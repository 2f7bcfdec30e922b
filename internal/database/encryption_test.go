package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_Disabled(t *testing.T) {
	e := &encryptor{}

	out, err := e.Encrypt("plain", "k")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	back, err := e.Decrypt(out, "k")
	require.NoError(t, err)
	assert.Equal(t, "plain", back)
}

func TestEncryptor_WeakSecretRejected(t *testing.T) {
	_, err := newEncryptorWithSecret("short")
	assert.Error(t, err)

	_, err = newEncryptorWithSecret("")
	assert.Error(t, err)
}

func TestEncryptor_RoundTripAndKeyBinding(t *testing.T) {
	e, err := newEncryptorWithSecret(strings.Repeat("k", 32))
	require.NoError(t, err)

	sealed, err := e.Encrypt("payload", "queue_a")
	require.NoError(t, err)
	assert.NotEqual(t, "payload", sealed)

	opened, err := e.Decrypt(sealed, "queue_a")
	require.NoError(t, err)
	assert.Equal(t, "payload", opened)

	_, err = e.Decrypt(sealed, "queue_b")
	assert.Error(t, err, "blob must not open under another key")
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	e, err := newEncryptorWithSecret(strings.Repeat("k", 32))
	require.NoError(t, err)

	a, _ := e.Encrypt("same", "k")
	b, _ := e.Encrypt("same", "k")
	assert.NotEqual(t, a, b)
}

func TestEncryptor_EncryptedPayloadWithoutKey(t *testing.T) {
	e, err := newEncryptorWithSecret(strings.Repeat("k", 32))
	require.NoError(t, err)
	sealed, _ := e.Encrypt("x", "k")

	_, err = (&encryptor{}).Decrypt(sealed, "k")
	assert.Error(t, err)
}
