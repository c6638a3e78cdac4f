package agent

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyManager wraps and unwraps the convergent key for the Redis
// metadata mirror (cache.MetaCache), so a mirrored entry never holds
// the key in plaintext even though it is reproducible from the chunk's
// own plaintext. The agent channel's SET_META/UPDATE_META messages
// carry the key unwrapped. Mirrors the interface
// shape of a Cosmian-KMIP-backed key manager: wrap/unwrap, the active
// wrapping key's version, a health check, and Close.
type KeyManager interface {
	Provider() string
	WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error)
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error)
	ActiveKeyVersion(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// KeyEnvelope is the wrapped form of a convergent key, JSON-encoded
// into the chunk's metadata-mirror entry alongside its tag.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// KMIPKeyReference names one wrapping key known to the KMIP server.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string
}

// CosmianKMIPManager implements KeyManager against a KMIP 2.x server
// (Cosmian KMS or compatible), using symmetric Encrypt/Decrypt
// operations keyed by a wrapping key's unique identifier.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	keys     []KMIPKeyReference
	provider string
}

// NewCosmianKMIPManager dials the KMIP server and returns a ready
// manager.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("agent: CosmianKMIPOptions.Keys must name at least one wrapping key")
	}
	dialOpts := []kmipclient.Option{kmipclient.WithTimeout(opts.Timeout)}
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, kmipclient.WithTLSConfig(opts.TLSConfig))
	}
	client, err := kmipclient.Dial(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("agent: dial KMIP server: %w", err)
	}
	return &CosmianKMIPManager{client: client, keys: opts.Keys, provider: opts.Provider}, nil
}

// Provider returns the configured diagnostic identifier.
func (m *CosmianKMIPManager) Provider() string { return m.provider }

// activeKey is the highest-versioned wrapping key, the one WrapKey uses.
func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	active := m.keys[0]
	for _, k := range m.keys[1:] {
		if k.Version > active.Version {
			active = k
		}
	}
	return active
}

func (m *CosmianKMIPManager) keyByID(id string) (KMIPKeyReference, bool) {
	for _, k := range m.keys {
		if k.ID == id {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

func (m *CosmianKMIPManager) keyByVersion(version int) (KMIPKeyReference, bool) {
	for _, k := range m.keys {
		if k.Version == version {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

// WrapKey encrypts plaintext under the active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error) {
	key := m.activeKey()
	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: KMIP encrypt: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts an envelope's ciphertext. A missing KeyID falls
// back to looking the wrapping key up by KeyVersion, matching dual-read
// rotation (an envelope written under a retiring key still carries the
// version that names it).
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error) {
	key, ok := m.keyByID(envelope.KeyID)
	if !ok {
		key, ok = m.keyByVersion(envelope.KeyVersion)
		if !ok {
			return nil, fmt.Errorf("agent: no wrapping key for envelope (id=%q version=%d)", envelope.KeyID, envelope.KeyVersion)
		}
	}
	resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: KMIP decrypt: %w", err)
	}
	return resp.Data, nil
}

// ActiveKeyVersion returns the current wrapping key's version.
func (m *CosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck performs a lightweight Get against the active key.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	key := m.activeKey()
	_, err := m.client.Get(ctx, &payloads.GetRequestPayload{UniqueIdentifier: key.ID})
	if err != nil {
		return fmt.Errorf("agent: KMIP health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}

// LocalKeyManager implements KeyManager with a locally-held
// XChaCha20-Poly1305 master key instead of a network KMIP server — a
// development/test substitute for CosmianKMIPManager for deployments
// with no KMIP custodian configured, so the metadata mirror's "never
// plaintext at rest" requirement still holds without one.
type LocalKeyManager struct {
	aead cipher.AEAD
}

// NewLocalKeyManager builds a LocalKeyManager from a 32-byte master
// key.
func NewLocalKeyManager(masterKey []byte) (*LocalKeyManager, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("agent: local key manager: %w", err)
	}
	return &LocalKeyManager{aead: aead}, nil
}

// Provider returns the diagnostic identifier "local".
func (m *LocalKeyManager) Provider() string { return "local" }

// WrapKey seals plaintext under a fresh random nonce, prefixed onto the
// returned ciphertext.
func (m *LocalKeyManager) WrapKey(_ context.Context, plaintext []byte) (*KeyEnvelope, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("agent: local wrap: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, plaintext, nil)
	return &KeyEnvelope{KeyID: "local", KeyVersion: 1, Provider: "local", Ciphertext: sealed}, nil
}

// UnwrapKey splits the leading nonce back off envelope's ciphertext and
// opens it.
func (m *LocalKeyManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope) ([]byte, error) {
	if len(envelope.Ciphertext) < m.aead.NonceSize() {
		return nil, fmt.Errorf("agent: local unwrap: envelope too short")
	}
	nonce, sealed := envelope.Ciphertext[:m.aead.NonceSize()], envelope.Ciphertext[m.aead.NonceSize():]
	return m.aead.Open(nil, nonce, sealed, nil)
}

// ActiveKeyVersion always returns 1: a LocalKeyManager has no rotation.
func (m *LocalKeyManager) ActiveKeyVersion(_ context.Context) (int, error) { return 1, nil }

// HealthCheck always succeeds: there is no network dependency to probe.
func (m *LocalKeyManager) HealthCheck(_ context.Context) error { return nil }

// Close is a no-op.
func (m *LocalKeyManager) Close(_ context.Context) error { return nil }
