// Package aead provides authenticated encryption for session content.
//
// Ciphertexts are AES-256-GCM sealed with a key derived from the configured
// encryption key via HKDF-SHA256. Every encryption draws a fresh nonce and a
// fresh salt, and binds the caller supplied additional authenticated data, so
// a ciphertext produced for one session cannot be opened under another
// session's AAD.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinKeyLength is the minimum accepted length of the encryption key.
	MinKeyLength = 32

	keySize  = 32
	saltSize = 16
	info     = "sessionguard-aead-v1"
)

var (
	// ErrKeyTooShort is returned by New when the encryption key is shorter than MinKeyLength.
	ErrKeyTooShort = errors.New("aead: encryption key is too short")

	// ErrEncryptionFailed wraps failures of the underlying cipher during Encrypt.
	ErrEncryptionFailed = errors.New("aead: encryption failed")

	// ErrDecryptionFailed is returned when a ciphertext fails authentication or is malformed.
	ErrDecryptionFailed = errors.New("aead: decryption failed")
)

// Cipher encrypts and decrypts payloads bound to additional authenticated data.
// It is safe for concurrent use.
type Cipher struct {
	key []byte
}

// New creates a Cipher for the given encryption key.
func New(encryptionKey string) (*Cipher, error) {
	if len(encryptionKey) < MinKeyLength {
		return nil, fmt.Errorf("%w: got %d chars, need at least %d", ErrKeyTooShort, len(encryptionKey), MinKeyLength)
	}
	return &Cipher{key: []byte(encryptionKey)}, nil
}

// Encrypt seals plaintext under aad and returns the standard base64 encoding
// of salt || nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte, aad string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}

	gcm, err := c.gcm(salt)
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, []byte(aad))

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed input or
// authentication failure is reported as ErrDecryptionFailed.
func (c *Cipher) Decrypt(ciphertext, aad string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	if len(raw) < saltSize {
		return nil, ErrDecryptionFailed
	}

	salt, rest := raw[:saltSize], raw[saltSize:]
	gcm, err := c.gcm(salt)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}

	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (c *Cipher) gcm(salt []byte) (cipher.AEAD, error) {
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.key, salt, []byte(info)), derived); err != nil {
		return nil, err
	}
	defer clear(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
