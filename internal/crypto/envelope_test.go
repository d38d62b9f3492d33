package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/tokenplace/relay/internal/protocol"
)

func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return priv
}

func TestEncryptDecrypt_TextRoundTrip(t *testing.T) {
	priv := testKeyPair(t)

	record, err := Encrypt("hello, relay", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if record.Algorithm != protocol.AlgorithmRSAAESCBC {
		t.Fatalf("Algorithm = %q, want %q", record.Algorithm, protocol.AlgorithmRSAAESCBC)
	}

	decoded, err := Decrypt(record, priv)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if decoded.Kind != protocol.KindText {
		t.Fatalf("Kind = %v, want KindText", decoded.Kind)
	}
	if decoded.Text != "hello, relay" {
		t.Errorf("Text = %q, want %q", decoded.Text, "hello, relay")
	}
}

func TestEncryptDecrypt_JSONRoundTrip(t *testing.T) {
	priv := testKeyPair(t)

	payload := map[string]any{"model": "llama", "messages": []any{"hi"}}
	record, err := Encrypt(payload, &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decoded, err := Decrypt(record, priv)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if decoded.Kind != protocol.KindJSON {
		t.Fatalf("Kind = %v, want KindJSON", decoded.Kind)
	}
	asMap, ok := decoded.JSON.(map[string]any)
	if !ok {
		t.Fatalf("JSON = %T, want map[string]any", decoded.JSON)
	}
	if asMap["model"] != "llama" {
		t.Errorf("model = %v, want %q", asMap["model"], "llama")
	}
}

func TestEncryptDecrypt_BytesRoundTrip(t *testing.T) {
	priv := testKeyPair(t)

	blob := []byte{0x00, 0x01, 0xFF, 0xFE, 0x80}
	record, err := Encrypt(blob, &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decoded, err := Decrypt(record, priv)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if decoded.Kind != protocol.KindBytes {
		t.Fatalf("Kind = %v, want KindBytes", decoded.Kind)
	}
	if string(decoded.Bytes) != string(blob) {
		t.Errorf("Bytes = %x, want %x", decoded.Bytes, blob)
	}
}

func TestEncrypt_NilPlaintextRejected(t *testing.T) {
	priv := testKeyPair(t)
	if _, err := Encrypt(nil, &priv.PublicKey); err == nil {
		t.Fatal("Encrypt(nil) expected error, got nil")
	}
}

func TestDecrypt_MissingFields(t *testing.T) {
	priv := testKeyPair(t)

	cases := []*protocol.EnvelopeRecord{
		{CipherKey: "x", IV: "y"},
		{Ciphertext: "x", IV: "y"},
		{Ciphertext: "x", CipherKey: "y"},
	}
	for _, record := range cases {
		if _, err := Decrypt(record, priv); err == nil {
			t.Errorf("Decrypt(%+v) expected error, got nil", record)
		}
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	priv := testKeyPair(t)
	other := testKeyPair(t)

	record, err := Encrypt("secret", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := Decrypt(record, other); err == nil {
		t.Fatal("Decrypt() with wrong key expected error, got nil")
	}
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	priv := testKeyPair(t)

	record, err := Encrypt("secret message padded to span blocks", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	ciphertext, err := decodeBase64(record.Ciphertext)
	if err != nil {
		t.Fatalf("decodeBase64() error: %v", err)
	}
	ciphertext[0] ^= 0xFF
	record.Ciphertext = encodeBase64(ciphertext)

	if _, err := Decrypt(record, priv); err == nil {
		t.Fatal("Decrypt() with tampered ciphertext expected error, got nil")
	}
}

func TestEncryptGCMDecryptGCM_RoundTrip(t *testing.T) {
	priv := testKeyPair(t)

	record, err := EncryptGCM("authenticated payload", &priv.PublicKey)
	if err != nil {
		t.Fatalf("EncryptGCM() error: %v", err)
	}
	if record.Algorithm != protocol.AlgorithmRSAAESGCM {
		t.Fatalf("Algorithm = %q, want %q", record.Algorithm, protocol.AlgorithmRSAAESGCM)
	}

	decoded, err := DecryptGCM(record, priv)
	if err != nil {
		t.Fatalf("DecryptGCM() error: %v", err)
	}
	if decoded.Text != "authenticated payload" {
		t.Errorf("Text = %q, want %q", decoded.Text, "authenticated payload")
	}
}

func TestDecryptGCM_TamperedTagFails(t *testing.T) {
	priv := testKeyPair(t)

	record, err := EncryptGCM("authenticated payload", &priv.PublicKey)
	if err != nil {
		t.Fatalf("EncryptGCM() error: %v", err)
	}
	ciphertext, err := decodeBase64(record.Ciphertext)
	if err != nil {
		t.Fatalf("decodeBase64() error: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF
	record.Ciphertext = encodeBase64(ciphertext)

	if _, err := DecryptGCM(record, priv); err == nil {
		t.Fatal("DecryptGCM() with tampered tag expected error, got nil")
	}
}

func TestDecryptAny_DispatchesOnAlgorithm(t *testing.T) {
	priv := testKeyPair(t)

	cbc, err := Encrypt("cbc payload", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	gcm, err := EncryptGCM("gcm payload", &priv.PublicKey)
	if err != nil {
		t.Fatalf("EncryptGCM() error: %v", err)
	}

	decodedCBC, err := DecryptAny(cbc, priv)
	if err != nil {
		t.Fatalf("DecryptAny(cbc) error: %v", err)
	}
	if decodedCBC.Text != "cbc payload" {
		t.Errorf("Text = %q, want %q", decodedCBC.Text, "cbc payload")
	}

	decodedGCM, err := DecryptAny(gcm, priv)
	if err != nil {
		t.Fatalf("DecryptAny(gcm) error: %v", err)
	}
	if decodedGCM.Text != "gcm payload" {
		t.Errorf("Text = %q, want %q", decodedGCM.Text, "gcm payload")
	}
}

func TestPKCS7Unpad_RejectsInvalidPadding(t *testing.T) {
	if _, err := pkcs7Unpad([]byte{1, 2, 3, 0}, 16); err == nil {
		t.Error("pkcs7Unpad() with zero padding length expected error, got nil")
	}
	if _, err := pkcs7Unpad(make([]byte, 15), 16); err == nil {
		t.Error("pkcs7Unpad() with non-block-multiple length expected error, got nil")
	}

	oversized := make([]byte, 16)
	oversized[15] = 17
	if _, err := pkcs7Unpad(oversized, 16); err == nil {
		t.Error("pkcs7Unpad() with padding length exceeding block size expected error, got nil")
	}

	mismatched := make([]byte, 16)
	for i := 12; i < 16; i++ {
		mismatched[i] = 4
	}
	mismatched[13] = 9
	if _, err := pkcs7Unpad(mismatched, 16); err == nil {
		t.Error("pkcs7Unpad() with mismatched padding bytes expected error, got nil")
	}
}
