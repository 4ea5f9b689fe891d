package builds

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// tokenVersion is bound to every token as associated data so a future
// format change invalidates old tokens instead of misparsing them.
const tokenVersion byte = 1

// ErrInvalidToken is returned for tokens that are malformed, tampered
// with, or sealed under a different key.
var ErrInvalidToken = errors.New("builds: invalid correlation token")

// TokenPayload identifies which status indicator a build-completion
// callback refers to. It travels through the build farm inside an opaque
// encrypted token, so no server-side correlation state is needed.
type TokenPayload struct {
	MailingListID uint   `json:"mailing_list"`
	PatchsetID    int    `json:"patchset_id"`
	ToolID        int    `json:"tool_id"`
	Name          string `json:"name"`
	User          string `json:"user"`
}

// TokenSealer seals and opens correlation tokens with an AEAD.
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer constructs a sealer from a 32-byte key.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("builds: token key: %w", err)
	}
	return &TokenSealer{aead: aead}, nil
}

// Seal encrypts the payload into a URL-safe token.
func (s *TokenSealer) Seal(payload TokenPayload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("builds: encode token payload: %w", err)
	}

	buffer := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	buffer[0] = tokenVersion
	nonce := buffer[1 : 1+s.aead.NonceSize()]
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("builds: token nonce: %w", err)
	}

	sealed := s.aead.Seal(buffer, nonce, plaintext, buffer[:1])
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token, failing closed on any malformation or tamper.
func (s *TokenSealer) Open(token string) (*TokenPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(raw) < 1+s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrInvalidToken
	}
	if raw[0] != tokenVersion {
		return nil, ErrInvalidToken
	}

	nonce := raw[1 : 1+s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, raw[1+s.aead.NonceSize():], raw[:1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	var payload TokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	return &payload, nil
}
