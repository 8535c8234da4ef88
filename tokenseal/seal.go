// Package tokenseal encrypts short secrets (TOTP seeds) for storage.
//
// Sealed values look like "v1.<nonce>.<ciphertext>" in unpadded base64url.
// Values without the version prefix are treated as legacy plaintext and
// returned unchanged by Open.
package tokenseal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	version  = "v1"
	hkdfInfo = "admin-gate totp secret v1"
	keyLen   = 32
	minInput = 16
)

var (
	// ErrKeyTooShort is returned when DATA_KEY carries less than 16 bytes.
	ErrKeyTooShort = errors.New("tokenseal: key material must be at least 16 bytes")
	// ErrMalformed is returned for values with the version prefix that do not parse.
	ErrMalformed = errors.New("tokenseal: malformed sealed value")
)

// Sealer seals and opens values with AES-256-GCM. A nil *Sealer stores
// plaintext, which keeps local setups without DATA_KEY working.
type Sealer struct {
	aead cipher.AEAD
}

// New derives the AES key from material with HKDF-SHA256. material may be
// base64 (std, raw std or raw url) or a plain passphrase.
func New(material string) (*Sealer, error) {
	raw := decodeMaterial(strings.TrimSpace(material))
	if len(raw) < minInput {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("tokenseal: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokenseal: aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokenseal: cipher.NewGCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func decodeMaterial(s string) []byte {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= minInput {
			return b
		}
	}
	return []byte(s)
}

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokenseal: nonce: %w", err)
	}
	ct := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	enc := base64.RawURLEncoding.EncodeToString
	return version + "." + enc(nonce) + "." + enc(ct), nil
}

// Open reverses Seal. Values without the "v1." prefix pass through.
func (s *Sealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, version+".") {
		return sealed, nil
	}
	if s == nil {
		return "", errors.New("tokenseal: sealed value but no key configured")
	}
	parts := strings.SplitN(sealed, ".", 3)
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	dec := base64.RawURLEncoding.DecodeString
	nonce, err := dec(parts[1])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", ErrMalformed
	}
	ct, err := dec(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("tokenseal: open: %w", err)
	}
	return string(pt), nil
}
