// Package cookiecrypt seals and opens session cookie blobs.
//
// A blob is nonce || AES-256-GCM ciphertext of the JSON cookie list. The
// key is derived from an operator passphrase with PBKDF2-SHA256.
package cookiecrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize     = 32
	iterations  = 100000
	defaultSalt = "crawlpilot/cookiecrypt/v1"
)

var (
	// ErrDecrypt wraps every failure to open a blob.
	ErrDecrypt = errors.New("cookiecrypt: decrypt failed")
	// ErrNoPassphrase is returned when a Box is built without a passphrase.
	ErrNoPassphrase = errors.New("cookiecrypt: passphrase required")
)

// Cookie is one decrypted platform cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// Decrypter opens an encrypted cookie blob.
type Decrypter interface {
	Decrypt(ctx context.Context, blob []byte) ([]Cookie, error)
}

// Box is a passphrase-keyed AES-GCM sealer.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the key from passphrase and salt. An empty salt uses a
// fixed built-in value.
func NewBox(passphrase, salt string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	if salt == "" {
		salt = defaultSalt
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cookiecrypt: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cookiecrypt: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts cookies into a blob.
func (b *Box) Seal(cookies []Cookie) ([]byte, error) {
	plain, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("cookiecrypt: marshal: %w", err)
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cookiecrypt: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a blob produced by Seal.
func (b *Box) Decrypt(_ context.Context, blob []byte) ([]Cookie, error) {
	ns := b.aead.NonceSize()
	if len(blob) < ns+b.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	plain, err := b.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(plain, &cookies); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrDecrypt, err)
	}
	return cookies, nil
}

var _ Decrypter = (*Box)(nil)
