package workflow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	pbkdf2Iterations = 210000
)

// PasswordCipher encrypts passwords parked in process variables while an
// approval is pending. Every value gets its own salt, so the AES-256 key is
// derived per value.
type PasswordCipher struct {
	secret []byte
}

func NewPasswordCipher(secret string) (*PasswordCipher, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("password encryption key must be at least 16 characters long")
	}
	return &PasswordCipher{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext with AES-GCM as base64(salt | nonce | ciphertext).
func (c *PasswordCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *PasswordCipher) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	salt, data := data[:saltSize], data[saltSize:]
	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (c *PasswordCipher) gcm(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key(c.secret, salt, pbkdf2Iterations, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
