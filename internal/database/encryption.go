package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"chatr/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionEnabledEnv = "CHATR_ENABLE_ENCRYPTION"
	encryptionSecretEnv  = "CHATR_ENCRYPTION_SECRET"
	encryptedPrefix      = "enc:v1:"
)

// encryptor seals queue payloads at rest. A nil gcm means encryption is off
// and payloads pass through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an encryptor from the environment.
func NewEncryptor() (*encryptor, error) {
	if os.Getenv(encryptionEnabledEnv) != "true" {
		return &encryptor{}, nil
	}
	return newEncryptorWithSecret(os.Getenv(encryptionSecretEnv))
}

func newEncryptorWithSecret(secret string) (*encryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", encryptionSecretEnv)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("encryption secret must be at least 32 characters long")
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), constants.Iterations, constants.KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

// Encrypt seals plaintext with a random nonce. The storage key is bound as
// additional data so a blob cannot be replayed under another user's key.
func (e *encryptor) Encrypt(plaintext, key string) (string, error) {
	if !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, constants.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), []byte(key))
	result := append(nonce, ciphertext...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt opens a payload produced by Encrypt. Payloads written while
// encryption was disabled are returned unchanged.
func (e *encryptor) Decrypt(ciphertext, key string) (string, error) {
	if len(ciphertext) < len(encryptedPrefix) || ciphertext[:len(encryptedPrefix)] != encryptedPrefix {
		return ciphertext, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("payload is encrypted but encryption is disabled")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[len(encryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < constants.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:constants.NonceSize], data[constants.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
