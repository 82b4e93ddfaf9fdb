// ABOUTME: Symmetric encryption for stored credentials using AES-256-GCM
// ABOUTME: Derives a per-record key from the master key via PBKDF2-SHA256

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 32
	nonceSize        = 12
	pbkdf2Iterations = 1000
	derivedKeyLen    = 32
)

// ErrDecryptFailed is returned when a ciphertext fails authentication,
// either because it was tampered with or the master key does not match.
var ErrDecryptFailed = errors.New("decryption failed")

// ErrInvalidFormat is returned when a stored record is not valid base64
// or has the wrong component sizes.
var ErrInvalidFormat = errors.New("invalid encrypted record format")

// Record holds one encrypted secret. All fields are base64 encoded and
// safe to persist as TEXT columns.
type Record struct {
	Ciphertext string
	Salt       string
	Nonce      string
}

// Vault encrypts and decrypts secrets with a process-wide master key.
// Each record gets a fresh salt and nonce, so encrypting the same
// plaintext twice never produces the same ciphertext.
//
// There is no key rotation: changing the master key invalidates every
// stored record.
type Vault struct {
	masterKey []byte
}

// New creates a Vault from the deployment master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("master key must be at least 16 bytes, got %d", len(masterKey))
	}
	return &Vault{masterKey: masterKey}, nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.masterKey, salt, pbkdf2Iterations, derivedKeyLen, sha256.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts a plaintext secret and returns the persistable record.
func (v *Vault) Encrypt(plaintext string) (Record, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Record{}, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, fmt.Errorf("generating nonce: %w", err)
	}

	aead, err := newAEAD(v.deriveKey(salt))
	if err != nil {
		return Record{}, err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return Record{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt recovers the plaintext from a record. It returns ErrDecryptFailed
// if the ciphertext was tampered with or was encrypted under a different
// master key; it never returns garbage.
func (v *Vault) Decrypt(rec Record) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64", ErrInvalidFormat)
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: salt is not base64", ErrInvalidFormat)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce is not base64", ErrInvalidFormat)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidFormat, nonceSize)
	}

	aead, err := newAEAD(v.deriveKey(salt))
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrInvalidFormat)
	}

	return string(plaintext), nil
}

// Mask returns a display-safe form of a secret: the first four characters
// followed by stars. Secrets of four characters or fewer are fully masked.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return starRepeat(len(secret))
	}
	return secret[:4] + starRepeat(len(secret)-4)
}

func starRepeat(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}
