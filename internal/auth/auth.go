package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
)

const sealedPrefix = "sealed:"

// Sealer encrypts and authenticates secrets kept at rest (booking site passwords).
type Sealer struct {
	sc *securecookie.SecureCookie
}

func NewSealer(hashKey, blockKey []byte) *Sealer {
	sc := securecookie.New(hashKey, blockKey)
	// sealed values never expire
	sc.MaxAge(0)
	return &Sealer{sc: sc}
}

func (s *Sealer) Seal(name, plain string) (string, error) {
	enc, err := s.sc.Encode(name, plain)
	if err != nil {
		return "", err
	}
	return sealedPrefix + enc, nil
}

// Open reverses Seal. Values without the sealed prefix are returned as they are.
func (s *Sealer) Open(name, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	var plain string
	if err := s.sc.Decode(name, strings.TrimPrefix(value, sealedPrefix), &plain); err != nil {
		return "", err
	}
	return plain, nil
}

func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }

func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}

func CheckAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeys verifies X-API-Key values against a bcrypt hash. Verified keys are
// remembered by digest for a while so bcrypt runs once per key, not per request.
type APIKeys struct {
	hash     string
	verified *cache.Cache
}

func NewAPIKeys(hash string) *APIKeys {
	return &APIKeys{hash: hash, verified: cache.New(10*time.Minute, 20*time.Minute)}
}

// Enabled reports whether a key hash is configured.
func (k *APIKeys) Enabled() bool { return k != nil && k.hash != "" }

func (k *APIKeys) Verify(key string) error {
	if !k.Enabled() {
		return nil
	}
	if key == "" {
		return ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	if _, ok := k.verified.Get(digest); ok {
		return nil
	}
	if !CheckAPIKey(k.hash, key) {
		return ErrInvalidAPIKey
	}
	k.verified.SetDefault(digest, struct{}{})
	return nil
}
