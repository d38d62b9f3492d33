package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tokenplace/relay/internal/perfmon"
	"github.com/tokenplace/relay/internal/protocol"
)

const (
	aesKeySize   = 32 // AES-256
	ivSize       = 16 // AES-CBC IV / block size
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// Encrypt seals plaintext into a hybrid RSA-OAEP + AES-256-CBC/PKCS7
// envelope record addressed to peerPub. plaintext may be []byte, string, or
// any JSON-serializable value; nil is rejected outright.
//
// bytes are used unchanged, strings are UTF-8 encoded, and everything else
// is JSON-marshaled with encoding/json's stable key ordering (struct fields
// in declaration order, map keys sorted) — that JSON framing is part of the wire contract for
// cross-language parity with other token.place implementations.
func Encrypt(plaintext any, peerPub *rsa.PublicKey) (*protocol.EnvelopeRecord, error) {
	defer recordPerf("encrypt", protocol.AlgorithmRSAAESCBC, time.Now())
	data, err := marshalPlaintext(plaintext)
	if err != nil {
		return nil, err
	}

	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("generate aes key: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	ciphertext, err := aesCBCEncrypt(aesKey, iv, data)
	if err != nil {
		return nil, err
	}

	cipherKey, err := wrapAESKey(aesKey, peerPub)
	if err != nil {
		return nil, err
	}

	return &protocol.EnvelopeRecord{
		Ciphertext: encodeBase64(ciphertext),
		CipherKey:  cipherKey,
		IV:         encodeBase64(iv),
		Algorithm:  protocol.AlgorithmRSAAESCBC,
	}, nil
}

// Decrypt opens an RSA-OAEP + AES-256-CBC/PKCS7 envelope record with the
// relay's own private key and returns the tagged decoded value: JSON if the
// plaintext parses as JSON, Text if it is valid UTF-8, Bytes otherwise.
func Decrypt(record *protocol.EnvelopeRecord, priv *rsa.PrivateKey) (*protocol.Decoded, error) {
	defer recordPerf("decrypt", protocol.AlgorithmRSAAESCBC, time.Now())
	if record == nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "nil envelope record")
	}
	if record.Ciphertext == "" {
		return nil, protocol.MissingField("ciphertext")
	}
	if record.CipherKey == "" {
		return nil, protocol.MissingField("cipherkey")
	}
	if record.IV == "" {
		return nil, protocol.MissingField("iv")
	}

	aesKey, err := unwrapAESKey(record.CipherKey, priv)
	if err != nil {
		return nil, err
	}

	iv, err := decodeBase64(record.IV)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed iv")
	}
	ciphertext, err := decodeBase64(record.Ciphertext)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed ciphertext")
	}

	plaintext, err := aesCBCDecrypt(aesKey, iv, ciphertext)
	if err != nil {
		return nil, err
	}

	return decodeValue(plaintext), nil
}

// EncryptGCM seals plaintext using the authenticated AES-256-GCM variant,
// selected on the wire by EnvelopeRecord.Algorithm == "rsa-aes-gcm". The IV
// field carries the 12-byte GCM nonce and the authentication tag is appended
// to the ciphertext by the standard library's AEAD seal, matching how the
// other token.place implementations frame it.
func EncryptGCM(plaintext any, peerPub *rsa.PublicKey) (*protocol.EnvelopeRecord, error) {
	defer recordPerf("encrypt", protocol.AlgorithmRSAAESGCM, time.Now())
	data, err := marshalPlaintext(plaintext)
	if err != nil {
		return nil, err
	}

	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("generate aes key: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate gcm nonce: %w", err)
	}

	gcm, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	cipherKey, err := wrapAESKey(aesKey, peerPub)
	if err != nil {
		return nil, err
	}

	return &protocol.EnvelopeRecord{
		Ciphertext: encodeBase64(ciphertext),
		CipherKey:  cipherKey,
		IV:         encodeBase64(nonce),
		Algorithm:  protocol.AlgorithmRSAAESGCM,
	}, nil
}

// DecryptGCM opens an authenticated AES-256-GCM envelope record. Tag
// verification failure surfaces as ErrChunkIntegrity's sibling for one-shot
// envelopes: ErrInvalidInput, since GCM gives no way to distinguish a
// corrupted envelope from a tampered one and the caller-facing contract
// doesn't need to.
func DecryptGCM(record *protocol.EnvelopeRecord, priv *rsa.PrivateKey) (*protocol.Decoded, error) {
	defer recordPerf("decrypt", protocol.AlgorithmRSAAESGCM, time.Now())
	if record == nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "nil envelope record")
	}
	if record.Ciphertext == "" {
		return nil, protocol.MissingField("ciphertext")
	}
	if record.CipherKey == "" {
		return nil, protocol.MissingField("cipherkey")
	}
	if record.IV == "" {
		return nil, protocol.MissingField("iv")
	}

	aesKey, err := unwrapAESKey(record.CipherKey, priv)
	if err != nil {
		return nil, err
	}

	nonce, err := decodeBase64(record.IV)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed iv")
	}
	if len(nonce) != gcmNonceSize {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "invalid gcm nonce length")
	}
	ciphertext, err := decodeBase64(record.Ciphertext)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed ciphertext")
	}

	gcm, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "gcm authentication failed")
	}

	return decodeValue(plaintext), nil
}

// DecryptAny dispatches to Decrypt or DecryptGCM based on record.Algorithm,
// defaulting to the CBC variant for records that predate the Algorithm field.
func DecryptAny(record *protocol.EnvelopeRecord, priv *rsa.PrivateKey) (*protocol.Decoded, error) {
	if record != nil && record.Algorithm == protocol.AlgorithmRSAAESGCM {
		return DecryptGCM(record, priv)
	}
	return Decrypt(record, priv)
}

func recordPerf(operation string, algorithm protocol.Algorithm, start time.Time) {
	perfmon.Global().Record(perfmon.Sample{
		Operation: operation,
		Algorithm: string(algorithm),
		Duration:  time.Since(start),
		At:        start,
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// marshalPlaintext implements the source's dynamic dispatch (bytes/str/json)
// as an explicit type switch instead of reflection-heavy any-handling.
func marshalPlaintext(v any) ([]byte, error) {
	if v == nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "plaintext must not be nil")
	}
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrInvalidInput, "plaintext is not JSON-serializable")
		}
		return data, nil
	}
}

// decodeValue classifies decrypted plaintext into the tagged Decrypted
// variant: JSON(value) | Text(string) | Bytes(blob).
func decodeValue(plaintext []byte) *protocol.Decoded {
	var parsed any
	if json.Unmarshal(plaintext, &parsed) == nil {
		return &protocol.Decoded{Kind: protocol.KindJSON, JSON: parsed}
	}
	if isValidUTF8(plaintext) {
		return &protocol.Decoded{Kind: protocol.KindText, Text: string(plaintext)}
	}
	return &protocol.Decoded{Kind: protocol.KindBytes, Bytes: plaintext}
}

func wrapAESKey(aesKey []byte, peerPub *rsa.PublicKey) (string, error) {
	// The base64 framing of the AES key (rather than its raw bytes) is part
	// of the wire contract, for parity with other token.place implementations.
	b64Key := []byte(encodeBase64(aesKey))
	cipherKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPub, b64Key, nil)
	if err != nil {
		return "", fmt.Errorf("rsa-oaep wrap aes key: %w", err)
	}
	return encodeBase64(cipherKey), nil
}

func unwrapAESKey(cipherKeyB64 string, priv *rsa.PrivateKey) ([]byte, error) {
	cipherKey, err := decodeBase64(cipherKeyB64)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed cipherkey")
	}
	b64Key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, cipherKey, nil)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "rsa-oaep unwrap failed")
	}
	aesKey, err := decodeBase64(string(b64Key))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed wrapped aes key")
	}
	if len(aesKey) != aesKeySize {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "unexpected aes key length")
	}
	return aesKey, nil
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "ciphertext is not a multiple of the block size")
	}
	if len(iv) != block.BlockSize() {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "invalid iv length")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, block.BlockSize())
}

// pkcs7Pad pads plaintext to a multiple of blockSize using PKCS#7.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

// pkcs7Unpad strictly validates and removes PKCS#7 padding: zero-length
// padding, padding longer than the block size, and padding whose bytes
// disagree are all rejected rather than silently tolerated.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "padded data is not a multiple of the block size")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "invalid pkcs7 padding length")
	}
	padding := data[len(data)-padLen:]
	for _, b := range padding {
		if int(b) != padLen {
			return nil, protocol.NewError(protocol.ErrInvalidInput, "invalid pkcs7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
