package longpoll

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const tagSize = 16

var (
	ErrInvalidToken = errors.New("longpoll: invalid session token")
	ErrEmptySecret  = errors.New("longpoll: token secret is required")
)

// TokenCodec signs session ids into opaque client tokens:
// base58(uuid bytes || keyed blake2b tag).
type TokenCodec struct {
	key []byte
}

func NewTokenCodec(secret string) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := blake2b.Sum256([]byte(secret))
	return &TokenCodec{key: key[:]}, nil
}

// GenerateSecret returns a random secret for deployments that did not
// configure one; tokens then stop verifying after a restart.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

func (c *TokenCodec) Sign(sessionID string) (string, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return "", ErrInvalidToken
	}
	tag, err := c.tag(id[:])
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, len(id)+tagSize)
	raw = append(raw, id[:]...)
	raw = append(raw, tag...)
	return base58.Encode(raw), nil
}

// Verify returns the session id carried by token.
func (c *TokenCodec) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	raw, err := base58.Decode(token)
	if err != nil || len(raw) != 16+tagSize {
		return "", ErrInvalidToken
	}
	want, err := c.tag(raw[:16])
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare(want, raw[16:]) != 1 {
		return "", ErrInvalidToken
	}
	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return "", ErrInvalidToken
	}
	return id.String(), nil
}

func (c *TokenCodec) tag(id []byte) ([]byte, error) {
	h, err := blake2b.New(tagSize, c.key)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write(id)
	return h.Sum(nil), nil
}
