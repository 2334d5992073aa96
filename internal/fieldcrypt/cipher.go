package fieldcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the master key length in bytes
const KeySize = 32

// blobVersion prefixes every ciphertext and is bound as additional data
const blobVersion byte = 0x01

var hkdfInfoField = []byte("case-engine.field.v1")

// ErrMalformedCiphertext is returned for blobs that are too short or carry an
// unknown version byte
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher is the encryption collaborator for PII columns. The engine never
// inspects ciphertext; it only compares decrypted values and re-encrypts on write.
type Cipher interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(ciphertext []byte) (string, error)
}

// XChaCha encrypts with XChaCha20-Poly1305 under a key derived from the
// master key with HKDF-SHA256. Blob layout: version | nonce | ciphertext+tag.
type XChaCha struct {
	key []byte
}

// NewXChaCha derives the field key from a 32-byte master key
func NewXChaCha(masterKey []byte) (*XChaCha, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, hkdfInfoField), key); err != nil {
		return nil, fmt.Errorf("failed to derive field key: %w", err)
	}
	return &XChaCha{key: key}, nil
}

// Encrypt seals plaintext. The empty string encrypts to nil so blanked
// columns stay empty.
func (c *XChaCha) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = blobVersion
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, []byte(plaintext), out[:1]), nil
}

// Decrypt opens a blob produced by Encrypt. Nil or empty input decrypts to "".
func (c *XChaCha) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	if len(ciphertext) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || ciphertext[0] != blobVersion {
		return "", ErrMalformedCiphertext
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AEAD: %w", err)
	}
	nonce := ciphertext[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[1+chacha20poly1305.NonceSizeX:], ciphertext[:1])
	if err != nil {
		return "", fmt.Errorf("failed to decrypt field: %w", err)
	}
	return string(plaintext), nil
}
