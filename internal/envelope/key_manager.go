package envelope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultExpirySkew = 30 * time.Second

var (
	// ErrKeyUnavailable wraps every failure to obtain a usable platform key.
	ErrKeyUnavailable = errors.New("envelope: encryption key unavailable")

	errMissingKeyProvider = errors.New("envelope: key provider is required")
)

// KeyProvider issues and retires platform encryption keys.
type KeyProvider interface {
	CreateEncryptionKey(ctx context.Context, clientPublicKey string) (EncryptionKey, error)
	DeleteEncryptionKey(ctx context.Context, keyID string) error
}

// Session binds an active platform key to the secret derived for it.
type Session struct {
	key    EncryptionKey
	secret []byte
	clock  func() time.Time
}

// NewSession builds a session from an already derived secret.
func NewSession(key EncryptionKey, secret []byte, clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	return &Session{key: key, secret: append([]byte(nil), secret...), clock: clock}
}

// Key returns the platform key backing the session.
func (session *Session) Key() EncryptionKey {
	return session.key
}

// KeyID returns the identifier sent as fp-key-id.
func (session *Session) KeyID() string {
	return session.key.KeyID
}

// Decrypt opens an envelope addressed to this session's key.
func (session *Session) Decrypt(compact string, out any) error {
	if session == nil || !session.key.IsValid(session.clock()) {
		return ErrDecryptionFailed
	}
	return Decrypt(compact, session.key.KeyID, session.secret, out)
}

// Encrypt seals payload for the platform under this session's key.
func (session *Session) Encrypt(payload any) (string, error) {
	if session == nil || !session.key.IsValid(session.clock()) {
		return "", ErrEncryptionFailed
	}
	return Encrypt(payload, session.key.KeyID, session.secret)
}

// KeyManagerConfig wires the key manager.
type KeyManagerConfig struct {
	Provider   KeyProvider
	Clock      func() time.Time
	ExpirySkew time.Duration
	Logger     *zap.Logger
}

// KeyManager keeps one valid session and rotates it when the key nears expiry. Sessions
// superseded while an operation holds the manager stay usable for decryption until the
// last hold is released, and are retired on the platform then.
type KeyManager struct {
	mu       sync.Mutex
	provider KeyProvider
	clock    func() time.Time
	skew     time.Duration
	logger   *zap.Logger
	current  *Session
	retired  []*Session
	holds    int
}

// NewKeyManager validates the configuration and returns a KeyManager.
func NewKeyManager(cfg KeyManagerConfig) (*KeyManager, error) {
	if cfg.Provider == nil {
		return nil, errMissingKeyProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		provider: cfg.Provider,
		clock:    clock,
		skew:     skew,
		logger:   logger,
	}, nil
}

// Current returns the active session, requesting a new platform key when the current one
// is missing or expires within the skew window.
func (manager *KeyManager) Current(ctx context.Context) (*Session, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if manager.current != nil && manager.current.key.IsValid(manager.clock().Add(manager.skew)) {
		return manager.current, nil
	}

	previous := manager.current
	session, err := manager.rotate(ctx)
	if err != nil {
		return nil, err
	}
	manager.current = session

	if previous != nil {
		if manager.holds > 0 {
			manager.retired = append(manager.retired, previous)
		} else {
			manager.deleteKey(ctx, previous.KeyID())
		}
	}
	return session, nil
}

// Hold keeps superseded sessions available until the returned release is called. Keys
// rotated out while any hold is open are deleted on the platform when the last one ends.
func (manager *KeyManager) Hold() func(context.Context) {
	manager.mu.Lock()
	manager.holds++
	manager.mu.Unlock()

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() {
			manager.mu.Lock()
			manager.holds--
			var stale []*Session
			if manager.holds == 0 {
				stale = manager.retired
				manager.retired = nil
			}
			manager.mu.Unlock()
			for _, session := range stale {
				manager.deleteKey(ctx, session.KeyID())
			}
		})
	}
}

// CurrentKeyID returns the identifier of the active key, rotating first when needed.
func (manager *KeyManager) CurrentKeyID(ctx context.Context) (string, error) {
	session, err := manager.Current(ctx)
	if err != nil {
		return "", err
	}
	return session.KeyID(), nil
}

// Decrypt opens compact with the session whose key id matches the envelope header, falling
// back to the active session. A failure to obtain a key is returned as is; every envelope
// failure is ErrDecryptionFailed.
func (manager *KeyManager) Decrypt(ctx context.Context, compact string, out any) error {
	if keyID, err := HeaderKeyID(compact); err == nil {
		if session := manager.lookup(keyID); session != nil {
			return session.Decrypt(compact, out)
		}
	}
	session, err := manager.Current(ctx)
	if err != nil {
		return err
	}
	return session.Decrypt(compact, out)
}

func (manager *KeyManager) lookup(keyID string) *Session {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.current != nil && manager.current.KeyID() == keyID {
		return manager.current
	}
	for _, session := range manager.retired {
		if session.KeyID() == keyID {
			return session
		}
	}
	return nil
}

// Encrypt seals payload under the active key and returns the envelope with the key id it
// was sealed for.
func (manager *KeyManager) Encrypt(ctx context.Context, payload any) (string, string, error) {
	session, err := manager.Current(ctx)
	if err != nil {
		return "", "", err
	}
	compact, err := session.Encrypt(payload)
	if err != nil {
		return "", "", err
	}
	return compact, session.KeyID(), nil
}

// Invalidate drops the active session so the next Current call rotates, and deletes the
// dropped key on the platform on a best-effort basis.
func (manager *KeyManager) Invalidate(ctx context.Context) {
	manager.mu.Lock()
	dropped := manager.current
	manager.current = nil
	manager.mu.Unlock()
	if dropped != nil {
		manager.deleteKey(ctx, dropped.KeyID())
	}
}

func (manager *KeyManager) deleteKey(ctx context.Context, keyID string) {
	if err := manager.provider.DeleteEncryptionKey(ctx, keyID); err != nil {
		manager.logger.Warn("encryption key retirement failed",
			zap.String("key_id", keyID),
			zap.Error(err))
	}
}

func (manager *KeyManager) rotate(ctx context.Context) (*Session, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	publicKey, err := pair.PublicKeyHex()
	if err != nil {
		return nil, err
	}
	key, err := manager.provider.CreateEncryptionKey(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %w", ErrKeyUnavailable, err)
	}
	if !key.IsValid(manager.clock()) {
		return nil, fmt.Errorf("%w: platform issued an unusable key %q", ErrKeyUnavailable, key.KeyID)
	}
	secret, err := pair.DeriveSecret(key.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	manager.logger.Debug("encryption key rotated",
		zap.String("key_id", key.KeyID),
		zap.Time("expires_at", key.ExpiresAt))
	return NewSession(key, secret, manager.clock), nil
}
