// Package protocol defines the wire types shared by clients, workers, and
// the relay: the hybrid RSA/AES envelope record and the OpenAI-compatible
// chat payloads that travel inside it.
package protocol

// Algorithm selects which one-shot codec sealed an EnvelopeRecord.
type Algorithm string

const (
	// AlgorithmRSAAESCBC is the default hybrid RSA-OAEP + AES-256-CBC/PKCS7 envelope.
	AlgorithmRSAAESCBC Algorithm = "rsa-aes-cbc"
	// AlgorithmRSAAESGCM is the authenticated hybrid RSA-OAEP + AES-256-GCM envelope.
	AlgorithmRSAAESGCM Algorithm = "rsa-aes-gcm"
	// AlgorithmPlaintext marks a stub envelope used by the OpenAI-compat
	// adapter's plaintext mode: Ciphertext carries base64(JSON) directly,
	// CipherKey and IV are empty, and no RSA/AES operation is involved. A
	// caller who opted out of encryption gets a request_id and reply exactly
	// like an encrypted one, through the same dispatch queue.
	AlgorithmPlaintext Algorithm = "plaintext"
)

// EnvelopeRecord is the hybrid RSA/AES record that carries one logical
// message, as defined in the data model: a per-message AES key wrapped with
// RSA-OAEP, an IV, and the AES-CBC (or AES-GCM) ciphertext. All blob fields
// are base64 strings on the wire.
type EnvelopeRecord struct {
	Ciphertext       string    `json:"ciphertext"`
	CipherKey        string    `json:"cipherkey"`
	IV               string    `json:"iv"`
	ClientPublicKey  string    `json:"client_public_key,omitempty"`
	Algorithm        Algorithm `json:"algorithm,omitempty"`
	Model            string    `json:"model,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	ChunkIndex       *int      `json:"chunk_index,omitempty"`
	StreamSessionID  string    `json:"stream_session_id,omitempty"`
	Final            bool      `json:"final,omitempty"`
}

// DecodedKind tags the shape of a decrypted envelope payload, replacing the
// source system's dynamically-typed return value with a closed sum type:
// Decrypted = JSON(value) | Text(string) | Bytes(blob).
type DecodedKind int

const (
	// KindBytes means the plaintext was not valid UTF-8; Bytes holds the raw bytes.
	KindBytes DecodedKind = iota
	// KindText means the plaintext was valid UTF-8 but not JSON; Text holds the string.
	KindText
	// KindJSON means the plaintext parsed as JSON; JSON holds the decoded value.
	KindJSON
)

// Decoded is the result of decrypting an envelope: exactly one of Bytes,
// Text, or JSON is meaningful, selected by Kind.
type Decoded struct {
	Kind  DecodedKind
	Bytes []byte
	Text  string
	JSON  any
}
