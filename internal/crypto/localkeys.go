package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tokenplace/relay/internal/protocol"
)

// allowedPublicExponent is the only RSA public exponent the relay accepts.
// Keys using any other exponent are rejected outright, since a
// relay-accepted public key doubles as the encryption target workers and
// clients use to address each other and a nonstandard exponent is a common
// marker of a deliberately weakened key.
const allowedPublicExponent = 65537

const rsaKeyBits = 2048

// retiredKey is a private key that has been rotated out of active use but is
// still accepted for decrypting in-flight requests encrypted before the
// rotation, until it falls out of the grace window.
type retiredKey struct {
	priv      *rsa.PrivateKey
	retiredAt time.Time
}

// LocalKeyManager holds the relay's RSA key pair in process memory and
// supports atomic rotation with a decrypt-only grace window for the
// previous key, so in-flight client envelopes encrypted just before a
// rotation still decrypt successfully.
type LocalKeyManager struct {
	graceWindow time.Duration
	protector   KeyProtector

	mu      sync.RWMutex
	active  *rsa.PrivateKey
	retired []retiredKey
}

// NewLocalKeyManager generates a fresh RSA-2048 key pair and returns a
// manager with the given decrypt-only grace window for rotated-out keys. A
// non-nil protector is used to wrap the private key at rest whenever it is
// exported via WrapActiveKey; it plays no part in normal request handling.
func NewLocalKeyManager(graceWindow time.Duration, protector KeyProtector) (*LocalKeyManager, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &LocalKeyManager{
		graceWindow: graceWindow,
		protector:   protector,
		active:      priv,
	}, nil
}

// OwnPublicKey returns the currently active public key as base64-encoded
// SPKI DER, with no PEM armor, the wire form served from GET /public-key.
func (m *LocalKeyManager) OwnPublicKey() (string, error) {
	m.mu.RLock()
	pub := &m.active.PublicKey
	m.mu.RUnlock()
	return encodePublicKeyB64(pub)
}

// ActivePrivateKey returns the currently active private key, for encrypting
// responses addressed back to the relay itself (not used in normal
// operation, but exposed for diagnostics and tests).
func (m *LocalKeyManager) ActivePrivateKey() *rsa.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Decrypt tries the active private key first, then falls back through
// retired keys still inside the grace window; retired keys past it are
// skipped here and dropped at the next Rotate.
func (m *LocalKeyManager) Decrypt(record *protocol.EnvelopeRecord) (*protocol.Decoded, error) {
	now := time.Now()
	m.mu.RLock()
	active := m.active
	retired := make([]*rsa.PrivateKey, 0, len(m.retired))
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) <= m.graceWindow {
			retired = append(retired, rk.priv)
		}
	}
	m.mu.RUnlock()

	decoded, err := DecryptAny(record, active)
	if err == nil {
		return decoded, nil
	}
	firstErr := err

	for _, priv := range retired {
		decoded, err := DecryptAny(record, priv)
		if err == nil {
			return decoded, nil
		}
	}
	return nil, firstErr
}

// Rotate generates a new active key pair, retiring the previous active key
// into the grace window. Retired keys older than the grace window are
// dropped. Rotation is atomic with respect to concurrent Decrypt calls.
func (m *LocalKeyManager) Rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.retired = append(m.retired, retiredKey{priv: m.active, retiredAt: now})
	m.active = priv
	m.pruneExpiredLocked(now)
	return nil
}

// WrapActiveKey exports the active private key as PKCS#8 DER and, if a
// KeyProtector is configured, wraps it through the KMS for safe storage at
// rest. Without a protector it returns the raw DER, for deployments that
// rely on filesystem or volume-level encryption instead.
func (m *LocalKeyManager) WrapActiveKey(ctx context.Context) (*KeyEnvelope, []byte, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	der, err := x509.MarshalPKCS8PrivateKey(active)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	if m.protector == nil {
		return nil, der, nil
	}
	env, err := m.protector.WrapKey(ctx, der, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap private key: %w", err)
	}
	return env, nil, nil
}

func (m *LocalKeyManager) pruneExpiredLocked(now time.Time) {
	if m.graceWindow <= 0 {
		m.retired = nil
		return
	}
	kept := m.retired[:0]
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) <= m.graceWindow {
			kept = append(kept, rk)
		}
	}
	m.retired = kept
}

// AcceptPeerPublicKey parses and structurally validates a client- or
// worker-supplied public key carried on the wire as base64(SPKI DER), with
// no PEM armor. Surrounding whitespace is tolerated, but the payload itself
// must decode to a DER-encoded RSA SubjectPublicKeyInfo; a bare PKCS#1
// public key is rejected. Keys below a safe minimum
// modulus size or using any exponent other than 65537 are rejected, since
// both are markers of a deliberately weakened key chosen to force
// predictable ciphertext.
func AcceptPeerPublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "public key is not valid base64")
	}

	pub, err := parsePublicKey(der)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "not a valid RSA public key")
	}
	if pub.N.BitLen() < rsaKeyBits {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "public key modulus too small")
	}
	if pub.E != allowedPublicExponent {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "public key exponent must be 65537")
	}
	return pub, nil
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	if rsaPub, ok := pub.(*rsa.PublicKey); ok {
		return rsaPub, nil
	}
	return nil, fmt.Errorf("not an rsa public key")
}

func encodePublicKeyB64(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
