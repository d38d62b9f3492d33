package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, tagged
// with the version the relay tracks it as.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint string
	Keys     []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is how many of the most-recently-retired key versions
	// (besides the active one) UnwrapKey will still try during rotation,
	// when the envelope carries no explicit KeyID to look up directly.
	DualReadWindow int
}

// CosmianKMIPManager implements KeyProtector against a Cosmian KMIP server
// (or any KMIP 1.4-compatible server), using the Encrypt/Decrypt/Get
// operations to wrap and unwrap the relay's private key material.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	provider string

	mu             sync.RWMutex
	keys           []KMIPKeyReference // ordered newest-first by Version
	dualReadWindow int
}

// NewCosmianKMIPManager dials the KMIP server at opts.Endpoint and returns a
// manager ready to wrap and unwrap keys against opts.Keys.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("kmip: endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("kmip: at least one wrapping key reference is required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = "cosmian-kmip"
	}

	clientOpts := []kmipclient.Option{}
	if opts.TLSConfig != nil {
		clientOpts = append(clientOpts, kmipclient.WithTlsConfig(opts.TLSConfig))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, kmipclient.WithTimeout(opts.Timeout))
	}

	client, err := kmipclient.New(opts.Endpoint, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("kmip: dial %s: %w", opts.Endpoint, err)
	}

	keys := make([]KMIPKeyReference, len(opts.Keys))
	copy(keys, opts.Keys)
	sortKeyReferencesDescending(keys)

	return &CosmianKMIPManager{
		client:         client,
		provider:       provider,
		keys:           keys,
		dualReadWindow: opts.DualReadWindow,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string {
	return m.provider
}

// WrapKey encrypts plaintext under the currently active (highest-version)
// wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	active, err := m.activeKey()
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Encrypt(ctx, payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("kmip: encrypt with key %s: %w", active.ID, err)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext. When envelope.KeyID is set it is
// used directly; otherwise UnwrapKey falls back to trying the active key and
// the DualReadWindow most recent retired keys by version, newest first, to
// tolerate envelopes written before a rotation but read back without their
// KeyID populated.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("kmip: nil envelope")
	}

	if envelope.KeyID != "" {
		return m.decryptWith(ctx, envelope.KeyID, envelope.Ciphertext)
	}

	candidates := m.candidateKeys(envelope.KeyVersion)
	var lastErr error
	for _, ref := range candidates {
		plaintext, err := m.decryptWith(ctx, ref.ID, envelope.Ciphertext)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("kmip: no wrapping keys configured")
	}
	return nil, fmt.Errorf("kmip: unwrap failed against all candidate keys: %w", lastErr)
}

func (m *CosmianKMIPManager) decryptWith(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := m.client.Decrypt(ctx, payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt with key %s: %w", keyID, err)
	}
	return resp.Data, nil
}

// ActiveKeyVersion returns the version of the currently active wrapping key.
func (m *CosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	active, err := m.activeKey()
	if err != nil {
		return 0, err
	}
	return active.Version, nil
}

// HealthCheck issues a lightweight Get against the active wrapping key to
// confirm the KMIP server is reachable and the key still exists.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	active, err := m.activeKey()
	if err != nil {
		return err
	}
	_, err = m.client.Get(ctx, payloads.GetRequestPayload{
		UniqueIdentifier: active.ID,
	})
	if err != nil {
		return fmt.Errorf("kmip: health check against %s: %w", active.ID, err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}

func (m *CosmianKMIPManager) activeKey() (KMIPKeyReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keys) == 0 {
		return KMIPKeyReference{}, fmt.Errorf("kmip: no wrapping keys configured")
	}
	return m.keys[0], nil
}

// candidateKeys returns the keys worth trying during a KeyID-less unwrap:
// the version recorded on the envelope if known, then the active key, then
// up to dualReadWindow additional retired keys, newest first, deduplicated.
func (m *CosmianKMIPManager) candidateKeys(envelopeVersion int) []KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int]bool)
	var candidates []KMIPKeyReference
	add := func(ref KMIPKeyReference) {
		if seen[ref.Version] {
			return
		}
		seen[ref.Version] = true
		candidates = append(candidates, ref)
	}

	for _, ref := range m.keys {
		if ref.Version == envelopeVersion {
			add(ref)
		}
	}
	limit := 1 + m.dualReadWindow
	for _, ref := range m.keys {
		if len(candidates) >= limit {
			break
		}
		add(ref)
	}
	return candidates
}

// sortKeyReferencesDescending orders keys newest-version-first in place,
// using a plain insertion sort since the key list is always small.
func sortKeyReferencesDescending(keys []KMIPKeyReference) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Version > keys[j-1].Version; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
