package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is one entry of a KeyRing.
type SigningKey struct {
	ID     string
	Method jwt.SigningMethod
	sign   any
	verify any
}

// RSAKey builds an RS256 signing key.
func RSAKey(id string, priv *rsa.PrivateKey) SigningKey {
	return SigningKey{ID: id, Method: jwt.SigningMethodRS256, sign: priv, verify: &priv.PublicKey}
}

// RSAVerifyKey builds a verification-only RS256 key, e.g. a retired key still
// accepted until the tokens it signed expire.
func RSAVerifyKey(id string, pub *rsa.PublicKey) SigningKey {
	return SigningKey{ID: id, Method: jwt.SigningMethodRS256, verify: pub}
}

// HMACKey builds an HS256 key. Intended for development only.
func HMACKey(id string, secret []byte) SigningKey {
	return SigningKey{ID: id, Method: jwt.SigningMethodHS256, sign: secret, verify: secret}
}

// RSAKeyFromPEM parses a PKCS#1 or PKCS#8 private key.
func RSAKeyFromPEM(id, privatePEM string) (SigningKey, error) {
	priv, err := parseRSAPrivateKey(strings.TrimSpace(privatePEM))
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse private key: %w", err)
	}
	return RSAKey(id, priv), nil
}

// KeyRing holds the active signing key plus older keys kept for verification.
// Rotate is the hook for signing-key rotation.
type KeyRing struct {
	mu     sync.RWMutex
	active string
	keys   map[string]SigningKey
}

// NewKeyRing makes the first key active.
func NewKeyRing(active SigningKey, others ...SigningKey) (*KeyRing, error) {
	r := &KeyRing{keys: make(map[string]SigningKey)}
	for _, k := range others {
		if err := r.add(k); err != nil {
			return nil, err
		}
	}
	if err := r.Rotate(active); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *KeyRing) add(k SigningKey) error {
	if strings.TrimSpace(k.ID) == "" {
		return errors.New("auth: key id is required")
	}
	if k.Method == nil || k.verify == nil {
		return fmt.Errorf("auth: key %s is incomplete", k.ID)
	}
	r.keys[k.ID] = k
	return nil
}

// Rotate adds k and makes it the signing key. Previous keys keep verifying.
func (r *KeyRing) Rotate(k SigningKey) error {
	if k.sign == nil {
		return fmt.Errorf("auth: key %s cannot sign", k.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.add(k); err != nil {
		return err
	}
	r.active = k.ID
	return nil
}

// Retire removes a verification key. The active key cannot be retired.
func (r *KeyRing) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.active {
		return errors.New("auth: cannot retire the active key")
	}
	delete(r.keys, id)
	return nil
}

// ActiveID returns the kid currently used for signing.
func (r *KeyRing) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *KeyRing) signingKey() SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[r.active]
}

func (r *KeyRing) methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, k := range r.keys {
		alg := k.Method.Alg()
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		out = append(out, alg)
	}
	sort.Strings(out)
	return out
}

// keyFunc resolves the verification key by kid and checks the algorithm
// matches the key, so an RSA public key can never be used as an HMAC secret.
func (r *KeyRing) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	r.mu.RLock()
	k, ok := r.keys[kid]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if t.Method.Alg() != k.Method.Alg() {
		return nil, fmt.Errorf("algorithm %s does not match key %s", t.Method.Alg(), kid)
	}
	return k.verify, nil
}

// JWK is a public RSA key in JSON Web Key form.
type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	N         string `json:"n"`
	E         string `json:"e"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS exports the RSA verification keys. HMAC keys are never published.
func (r *KeyRing) JWKS() JWKS {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := JWKS{Keys: []JWK{}}
	for id, k := range r.keys {
		pub, ok := k.verify.(*rsa.PublicKey)
		if !ok {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			KeyType:   "RSA",
			Use:       "sig",
			Algorithm: k.Method.Alg(),
			KeyID:     id,
			N:         base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	sort.Slice(set.Keys, func(i, j int) bool { return set.Keys[i].KeyID < set.Keys[j].KeyID })
	return set
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}
