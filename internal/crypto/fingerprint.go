package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a stable short identifier from a base64-encoded public
// key, used for rate limiting and retrieval authorization so neither has to
// carry the full key around. Two callers presenting the same public key
// string (whitespace aside) always get the same fingerprint; callers
// presenting different keys practically never collide.
func Fingerprint(publicKeyB64 string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(publicKeyB64)))
	return hex.EncodeToString(sum[:16])
}
