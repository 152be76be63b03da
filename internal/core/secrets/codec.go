// Package secrets generates API-key material and protects it at rest.
//
// A secret looks like "rl_<43 url-safe base64 chars>" and carries 32 bytes of
// entropy. Only its SHA-256 digest is used for lookup; the AES-256-GCM
// encrypted form exists so the owner can be shown the secret again.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

const (
	Scheme      = "rl"
	delimiter   = "_"
	entropySize = 32

	displaySegmentLen  = 8
	fallbackDisplayLen = 12

	minEncryptionSecretLen = 16
	keyDerivationInfo      = "keyring api-key secret encryption v1"
)

var encoding = base64.RawURLEncoding

// Config is the codec's explicit configuration.
type Config struct {
	EncryptionSecret string
}

// Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

func New(cfg Config) (*Codec, error) {
	if len(cfg.EncryptionSecret) < minEncryptionSecretLen {
		return nil, &domain.ValidationError{Field: "encryption_secret", Reason: fmt.Sprintf("must be at least %d bytes", minEncryptionSecretLen)}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.EncryptionSecret), nil, []byte(keyDerivationInfo)), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Codec{aead: aead, rand: rand.Reader}, nil
}

// Generate returns a fresh plaintext secret and its display prefix. crypto/rand
// does not fail on supported platforms; if it ever does the process cannot
// mint credentials safely, so Generate panics.
func (c *Codec) Generate() (plaintext, displayPrefix string) {
	raw := make([]byte, entropySize)
	if _, err := io.ReadFull(c.rand, raw); err != nil {
		panic(fmt.Sprintf("secrets: system randomness unavailable: %v", err))
	}
	plaintext = Scheme + delimiter + encoding.EncodeToString(raw)
	return plaintext, DisplayPrefix(plaintext)
}

// DisplayPrefix is "{scheme}_{first 8 chars of the random segment}", or the
// first 12 characters when the delimiter is missing.
func DisplayPrefix(plaintext string) string {
	scheme, segment, ok := strings.Cut(plaintext, delimiter)
	if !ok || scheme == "" {
		if len(plaintext) <= fallbackDisplayLen {
			return plaintext
		}
		return plaintext[:fallbackDisplayLen]
	}
	if len(segment) > displaySegmentLen {
		segment = segment[:displaySegmentLen]
	}
	return scheme + delimiter + segment
}

// Hash is the hex SHA-256 of the UTF-8 secret.
func Hash(plaintext string) string {
	digest := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(digest[:])
}

// Verify compares in constant time and reports false for any malformed hash.
func Verify(plaintext, secretHash string) bool {
	if len(secretHash) != hex.EncodedLen(sha256.Size) {
		return false
	}
	want, err := hex.DecodeString(secretHash)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(plaintext))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// Encrypt seals plaintext under a random nonce. The result encodes
// nonce || ciphertext || tag.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: read nonce: %v", domain.ErrCrypto, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encoding.EncodeToString(sealed), nil
}

// Decrypt fails with domain.ErrCrypto on malformed, truncated or tampered input.
func (c *Codec) Decrypt(encrypted string) (string, error) {
	sealed, err := encoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", domain.ErrCrypto, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrCrypto)
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", domain.ErrCrypto, err)
	}
	return string(plaintext), nil
}
