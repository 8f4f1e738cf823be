package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeyLength is the raw key size in bytes (AES-256).
const KeyLength = 32

// aesKey is an AES-256-GCM Key. Encrypt output is nonce || ciphertext ||
// tag so the payload is self-contained.
type aesKey struct {
	raw  []byte
	aead cipher.AEAD
}

// NewKey builds a Key from raw key material.
func NewKey(raw []byte) (Key, error) {
	if len(raw) != KeyLength {
		return nil, fmt.Errorf("encryption: key must be %d bytes, got %d", KeyLength, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("encryption: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: new GCM: %w", err)
	}
	return &aesKey{raw: append([]byte(nil), raw...), aead: aead}, nil
}

func (k *aesKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encryption: random nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (k *aesKey) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := k.aead.NonceSize()
	if len(ciphertext) < nonceSize+k.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := k.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (k *aesKey) Bytes() []byte {
	return append([]byte(nil), k.raw...)
}
