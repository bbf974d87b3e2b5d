package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// SigningKeys manages the RS256 keypair used for both access and refresh
// tokens, and exposes the public half as a JWKS so stateless peers can
// verify tokens offline. With a shared storePath, every process in the
// fleet signs with the same key.
type SigningKeys struct {
	mu        sync.RWMutex
	current   keyPair
	previous  []keyPair
	storePath string
	logger    *slog.Logger
}

// NewSigningKeys loads keys from storePath or generates a fresh pair.
func NewSigningKeys(storePath string, logger *slog.Logger) (*SigningKeys, error) {
	k := &SigningKeys{storePath: storePath, logger: logger}

	if storePath != "" {
		if err := k.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if k.current.PrivateKey == nil {
		if err := k.Rotate(); err != nil {
			return nil, err
		}
	}

	return k, nil
}

// Sign signs the claims with the current key, stamping its kid.
func (k *SigningKeys) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.current.Kid
	return token.SignedString(k.current.PrivateKey)
}

// Keyfunc resolves verification keys during JWT parsing.
func (k *SigningKeys) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" || kid == k.current.Kid {
		return &k.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range k.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &k.current.PrivateKey.PublicKey, nil
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (k *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{k.current.JWK.Public()}
	for _, prev := range k.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new signing key, retaining the previous one so tokens
// issued before the rotation still verify.
func (k *SigningKeys) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	k.mu.Lock()
	if k.current.PrivateKey != nil {
		k.previous = append([]keyPair{k.current}, k.previous...)
		if len(k.previous) > 1 {
			k.previous = k.previous[:1]
		}
	}
	k.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	k.mu.Unlock()

	if k.storePath != "" {
		return k.persist()
	}
	return nil
}

func (k *SigningKeys) persist() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := []jose.JSONWebKey{k.current.JWK}
	for _, prev := range k.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(k.storePath, payload, 0o600)
}

func (k *SigningKeys) loadFromDisk() error {
	payload, err := os.ReadFile(k.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks file")
	}
	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			k.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	k.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
