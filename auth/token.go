package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TokenBytes is the amount of randomness in a generated token.
const TokenBytes = 32

// GenerateToken returns a URL-safe token carrying TokenBytes of randomness.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenHasher derives fixed-length digests so comparisons run over equal
// length inputs regardless of what the caller presents. The key is random per
// process; digests are never persisted.
type tokenHasher struct {
	key []byte
}

func newTokenHasher() (*tokenHasher, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate hash key: %w", err)
	}
	return &tokenHasher{key: key}, nil
}

func (h *tokenHasher) sum(token string) [32]byte {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	mac.Write([]byte(token))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
