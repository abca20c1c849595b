// Package envelope implements the authenticated encrypted envelopes exchanged with the
// payment platform: ECDH-derived secrets, JWE compact serialization, and key rotation.
package envelope

import (
	"encoding/json"
	"errors"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	keyManagementAlgorithm     = jose.A256GCMKW
	contentEncryptionAlgorithm = jose.A256GCM
	secretLength               = 32
)

var (
	// ErrDecryptionFailed is the single failure kind for every decryption problem.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
	// ErrEncryptionFailed indicates that a payload could not be sealed.
	ErrEncryptionFailed = errors.New("envelope: encryption failed")
)

// Encrypt seals payload as JSON into a compact JWE tagged with keyID.
func Encrypt(payload any, keyID string, secret []byte) (string, error) {
	if keyID == "" || len(secret) != secretLength {
		return "", ErrEncryptionFailed
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}
	encrypter, err := jose.NewEncrypter(contentEncryptionAlgorithm, jose.Recipient{
		Algorithm: keyManagementAlgorithm,
		Key:       secret,
		KeyID:     keyID,
	}, nil)
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}
	sealed, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}
	compact, err := sealed.CompactSerialize()
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}
	return compact, nil
}

// Decrypt opens a compact JWE produced for expectedKeyID and unmarshals the plaintext into out.
// All failures collapse into ErrDecryptionFailed.
func Decrypt(compact string, expectedKeyID string, secret []byte, out any) error {
	if expectedKeyID == "" || len(secret) != secretLength {
		return ErrDecryptionFailed
	}
	parsed, err := jose.ParseEncrypted(compact,
		[]jose.KeyAlgorithm{keyManagementAlgorithm},
		[]jose.ContentEncryption{contentEncryptionAlgorithm},
	)
	if err != nil {
		return ErrDecryptionFailed
	}
	if parsed.Header.KeyID != expectedKeyID {
		return ErrDecryptionFailed
	}
	plaintext, err := parsed.Decrypt(secret)
	if err != nil {
		return ErrDecryptionFailed
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}

// DecryptAs is Decrypt returning a typed value.
func DecryptAs[T any](compact string, expectedKeyID string, secret []byte) (T, error) {
	var value T
	if err := Decrypt(compact, expectedKeyID, secret, &value); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// HeaderKeyID returns the kid a compact JWE was sealed for without decrypting it.
func HeaderKeyID(compact string) (string, error) {
	parsed, err := jose.ParseEncrypted(compact,
		[]jose.KeyAlgorithm{keyManagementAlgorithm},
		[]jose.ContentEncryption{contentEncryptionAlgorithm},
	)
	if err != nil || parsed.Header.KeyID == "" {
		return "", ErrDecryptionFailed
	}
	return parsed.Header.KeyID, nil
}
