package crypto

import "context"

// KeyProtector abstracts an external Key Management System that wraps and
// unwraps the relay's long-term RSA private key at rest, so the PEM never
// touches disk in plaintext on deployments that require it.
//
// Implementations must never expose the wrapping master key itself and must
// ensure all cryptographic operations happen inside the KMS (via KMIP, AWS
// KMS, Vault Transit, etc).
//
// Current implementations:
//   - Cosmian KMIP: implemented, see kmip.go
//
// A relay without a KeyProtector configured keeps its private key resident
// in process memory only, generated on first start (see LocalKeyManager).
type KeyProtector interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") used for diagnostics and metadata.
	Provider() string

	// WrapKey encrypts the provided plaintext (the relay's RSA private key,
	// PKCS#8 DER-encoded) and returns an envelope suitable for persisting
	// alongside the relay's key material.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in the given envelope and returns the plaintext key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies that the KMS is accessible and operational.
	// This should be a lightweight operation that doesn't perform actual encryption/decryption.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap the relay's
// protected private key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion is stored alongside the wrapped private key to record which
// wrapping key version protected it.
const (
	MetaKeyVersion = "x-tokenplace-meta-wrapping-key-version"
)
