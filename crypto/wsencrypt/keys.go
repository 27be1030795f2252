// Package wsencrypt implements the in-band encryption layer of the game's
// scripting-console protocol: secp384r1 ECDH key agreement, SHA-256 key
// derivation and the AES-CFB stream channel that carries frames once the
// handshake completes.
package wsencrypt

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrWrongCurve     = errors.New("peer public key is not on secp384r1")
	ErrBadPublicKey   = errors.New("malformed peer public key")
	ErrUnsupportedKey = errors.New("unsupported public key type")
)

// Keypair is an ephemeral secp384r1 key pair generated for one handshake.
type Keypair struct {
	priv   *ecdh.PrivateKey
	pubDER []byte
}

// GenerateKeypair creates a fresh ephemeral key pair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &Keypair{priv: priv, pubDER: der}, nil
}

// PublicKey returns the public key as base64 of the SubjectPublicKeyInfo DER
// form, the encoding both sides put on the wire.
func (k *Keypair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.pubDER)
}

// DeriveSecret computes the ECDH shared secret with a peer public key given in
// the same base64 SPKI encoding.
func (k *Keypair) DeriveSecret(peerB64 string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(peerB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	var pub *ecdh.PublicKey
	switch p := parsed.(type) {
	case *ecdsa.PublicKey:
		pub, err = p.ECDH()
		if err != nil {
			return nil, ErrWrongCurve
		}
	case *ecdh.PublicKey:
		pub = p
	default:
		return nil, ErrUnsupportedKey
	}
	if pub.Curve() != ecdh.P384() {
		return nil, ErrWrongCurve
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// SaltSize is the length of the handshake salt chosen by the server side.
const SaltSize = 16

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// SessionKey derives the symmetric key K = SHA-256(salt || shared). K is the
// AES-256 key and its first 16 bytes double as the IV.
func SessionKey(salt, shared []byte) [32]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(shared)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
