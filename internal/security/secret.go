// Package security decrypts secrets the daemon config stores at rest.
//
// The only secret this daemon ever handles is the MQTT broker password.
// Config authors may set `mqtt.password` in plaintext or
// `mqtt.password_encrypted` as an AES-256-GCM ciphertext produced by
// EncryptSecret, keyed off a passphrase supplied out-of-band (typically
// an environment variable, never committed alongside the config file).
package security

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
	pbkdf2Iterations = 100_000
	keyLen           = 32 // AES-256
)

// SecretBox derives a single AES key from a passphrase and a caller-supplied
// salt, then seals/opens values with AES-GCM.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives the AES key via PBKDF2-SHA256. salt should be unique
// per deployment (the daemon uses the configured device name); it need not
// be secret, only stable, since it only defeats precomputed rainbow tables.
func NewSecretBox(passphrase, salt string) *SecretBox {
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, keyLen, sha256.New)
	return &SecretBox{key: key}
}

// EncryptSecret seals plaintext, returning a base64 string safe to embed in
// a YAML config file under `password_encrypted`.
func (b *SecretBox) EncryptSecret(plaintext string) (string, error) {
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret.
func (b *SecretBox) DecryptSecret(ciphertext string) (string, error) {
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}

	return string(plaintext), nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
