package envelope

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPublicKey indicates that a peer public key could not be parsed as a P-256 point.
	ErrInvalidPublicKey = errors.New("envelope: invalid public key")
	// ErrMissingKeyPair indicates that a secret was requested without a local key pair.
	ErrMissingKeyPair = errors.New("envelope: key pair required")
)

// KeyPair is an ephemeral NIST P-256 key pair generated per platform key.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate key pair: %w", err)
	}
	return &KeyPair{private: privateKey}, nil
}

// PublicKeyHex returns the hex-encoded PKIX (SubjectPublicKeyInfo) DER form sent to the platform.
func (pair *KeyPair) PublicKeyHex() (string, error) {
	if pair == nil || pair.private == nil {
		return "", ErrMissingKeyPair
	}
	der, err := x509.MarshalPKIXPublicKey(pair.private.PublicKey())
	if err != nil {
		return "", fmt.Errorf("envelope: marshal public key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// DeriveSecret performs ECDH against the platform-issued public key and returns the shared secret.
func (pair *KeyPair) DeriveSecret(serverPublicKey string) ([]byte, error) {
	if pair == nil || pair.private == nil {
		return nil, ErrMissingKeyPair
	}
	peer, err := ParsePublicKey(serverPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := pair.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// ParsePublicKey accepts a hex-encoded PKIX DER public key or a hex-encoded uncompressed point.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidPublicKey)
	}
	if raw[0] == 0x04 && len(raw) == 65 {
		point, pointErr := ecdh.P256().NewPublicKey(raw)
		if pointErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, pointErr)
		}
		return point, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		converted, convErr := key.ECDH()
		if convErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, convErr)
		}
		if converted.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: curve is not P-256", ErrInvalidPublicKey)
		}
		return converted, nil
	case *ecdh.PublicKey:
		if key.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: curve is not P-256", ErrInvalidPublicKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, parsed)
	}
}

// EncryptionKey is the platform-issued key resource.
type EncryptionKey struct {
	KeyID           string
	ServerPublicKey string
	ClientPublicKey string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// IsValid reports whether the key may still be used at now. A zero expiry means the platform set none.
func (key EncryptionKey) IsValid(now time.Time) bool {
	if strings.TrimSpace(key.KeyID) == "" {
		return false
	}
	if key.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(key.ExpiresAt)
}
