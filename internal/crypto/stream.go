package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/tokenplace/relay/internal/protocol"
)

const streamSaltSize = 32

// StreamSession tracks the state needed to encrypt or decrypt an ordered
// sequence of chunks belonging to one streaming response, reusing a single
// AES session key established by the first (or only) envelope. Per-chunk
// nonces are derived with HKDF-SHA256 over the session key and salt, keyed
// by chunk index, rather than the counter-XOR approach used for bulk object
// chunking: a streamed chat response has no fixed length up front, so a
// derivation that never repeats regardless of how many chunks arrive is a
// better fit than an IV meant to be bounded by a manifest.
type StreamSession struct {
	ID        string
	sessionKey []byte
	salt       []byte

	mu       sync.Mutex
	nextSend int
	nextRecv int
}

// BeginStream generates a fresh session AES-256 key and salt and wraps the
// key for peerPub, returning the session plus the first envelope record the
// sender must transmit to establish it (stream_session_id populated,
// chunk_index 0, no ciphertext yet beyond the wrapped key).
func BeginStream(peerPub *rsa.PublicKey) (*StreamSession, *protocol.EnvelopeRecord, error) {
	sessionKey := make([]byte, aesKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, nil, fmt.Errorf("generate stream session key: %w", err)
	}
	salt := make([]byte, streamSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate stream salt: %w", err)
	}

	cipherKey, err := wrapAESKey(sessionKey, peerPub)
	if err != nil {
		return nil, nil, err
	}

	sessionID := uuid.NewString()
	chunkZero := 0
	record := &protocol.EnvelopeRecord{
		CipherKey:       cipherKey,
		IV:              encodeBase64(salt),
		Algorithm:       protocol.AlgorithmRSAAESGCM,
		Stream:          true,
		ChunkIndex:      &chunkZero,
		StreamSessionID: sessionID,
	}

	return &StreamSession{ID: sessionID, sessionKey: sessionKey, salt: salt}, record, nil
}

// AcceptStream opens the first envelope record of an incoming stream with
// the relay's private key, recovering the session key and salt so
// subsequent chunks can be decrypted.
func AcceptStream(record *protocol.EnvelopeRecord, priv *rsa.PrivateKey) (*StreamSession, error) {
	if record == nil || !record.Stream {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "not a stream-initiating envelope")
	}
	if record.StreamSessionID == "" {
		return nil, protocol.MissingField("stream_session_id")
	}
	sessionKey, err := unwrapAESKey(record.CipherKey, priv)
	if err != nil {
		return nil, err
	}
	salt, err := decodeBase64(record.IV)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed stream salt")
	}
	if len(salt) != streamSaltSize {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "invalid stream salt length")
	}
	return &StreamSession{ID: record.StreamSessionID, sessionKey: sessionKey, salt: salt}, nil
}

// EncryptChunk seals the next chunk in send order and returns its envelope
// record, with Final set on the last chunk of the stream.
func (s *StreamSession) EncryptChunk(plaintext any, final bool) (*protocol.EnvelopeRecord, error) {
	data, err := marshalPlaintext(plaintext)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	index := s.nextSend
	s.nextSend++
	s.mu.Unlock()

	pool := GetGlobalBufferPool()
	nonce, err := s.chunkNonce(index)
	if err != nil {
		return nil, err
	}
	defer pool.Put(nonce)

	gcm, err := newGCM(s.sessionKey)
	if err != nil {
		return nil, err
	}
	dst := pool.Get(len(data) + gcm.Overhead())
	ciphertext := gcm.Seal(dst[:0], nonce, data, nil)
	encoded := encodeBase64(ciphertext)
	pool.Put(dst)

	return &protocol.EnvelopeRecord{
		Ciphertext:      encoded,
		Algorithm:       protocol.AlgorithmRSAAESGCM,
		Stream:          true,
		ChunkIndex:      &index,
		StreamSessionID: s.ID,
		Final:           final,
	}, nil
}

// DecryptChunk opens one chunk envelope, enforcing in-order delivery: a
// chunk_index that skips ahead of or repeats the expected next index is
// reported as ErrChunkIntegrity, since out-of-order chunks indicate either a
// worker bug or a tampered stream rather than something safe to tolerate.
func (s *StreamSession) DecryptChunk(record *protocol.EnvelopeRecord) (*protocol.Decoded, error) {
	if record == nil || record.ChunkIndex == nil {
		return nil, protocol.NewError(protocol.ErrChunkIntegrity, "chunk envelope missing chunk_index")
	}

	s.mu.Lock()
	expected := s.nextRecv
	s.mu.Unlock()

	if *record.ChunkIndex != expected {
		return nil, protocol.NewError(protocol.ErrChunkIntegrity,
			fmt.Sprintf("out-of-order chunk: expected index %d, got %d", expected, *record.ChunkIndex))
	}

	nonce, err := s.chunkNonce(expected)
	if err != nil {
		return nil, err
	}
	defer GetGlobalBufferPool().Put(nonce)
	ciphertext, err := decodeBase64(record.Ciphertext)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "malformed chunk ciphertext")
	}
	gcm, err := newGCM(s.sessionKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrChunkIntegrity, "chunk authentication failed")
	}

	s.mu.Lock()
	s.nextRecv++
	s.mu.Unlock()

	return decodeValue(plaintext), nil
}

// chunkNonce derives the GCM nonce for a chunk index via HKDF-SHA256 over
// the session key, keyed by salt and an info string binding the session ID
// and index, so nonces never repeat across sessions even if two sessions
// were (incorrectly) given the same key. The returned slice is borrowed
// from the package buffer pool; callers must return it via Put once they
// are done with it.
func (s *StreamSession) chunkNonce(index int) ([]byte, error) {
	info := fmt.Sprintf("tokenplace-stream-chunk:%s:%d", s.ID, index)
	reader := hkdf.New(sha256.New, s.sessionKey, s.salt, []byte(info))
	nonce := GetGlobalBufferPool().Get12()
	if _, err := io.ReadFull(reader, nonce); err != nil {
		GetGlobalBufferPool().Put12(nonce)
		return nil, fmt.Errorf("derive chunk nonce: %w", err)
	}
	return nonce, nil
}
