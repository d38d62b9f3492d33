package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// encodeBase64 encodes a byte slice to a base64 string.
func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeBase64 decodes a base64 string to a byte slice. Leading/trailing
// whitespace is tolerated on ingress, per the public-key wire format.
func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 string: %w", err)
	}
	return data, nil
}
