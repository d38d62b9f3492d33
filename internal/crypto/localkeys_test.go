package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"
)

func TestLocalKeyManager_OwnPublicKeyAndDecrypt(t *testing.T) {
	mgr, err := NewLocalKeyManager(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager() error: %v", err)
	}

	b64, err := mgr.OwnPublicKey()
	if err != nil {
		t.Fatalf("OwnPublicKey() error: %v", err)
	}
	pub, err := AcceptPeerPublicKey(b64)
	if err != nil {
		t.Fatalf("AcceptPeerPublicKey() error: %v", err)
	}

	record, err := Encrypt("hello relay", pub)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	decoded, err := mgr.Decrypt(record)
	if err != nil {
		t.Fatalf("mgr.Decrypt() error: %v", err)
	}
	if decoded.Text != "hello relay" {
		t.Errorf("Text = %q, want %q", decoded.Text, "hello relay")
	}
}

func TestLocalKeyManager_RotateKeepsGraceWindowDecryptable(t *testing.T) {
	mgr, err := NewLocalKeyManager(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager() error: %v", err)
	}

	oldPub := &mgr.ActivePrivateKey().PublicKey
	record, err := Encrypt("pre-rotation message", oldPub)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if err := mgr.Rotate(); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}

	decoded, err := mgr.Decrypt(record)
	if err != nil {
		t.Fatalf("mgr.Decrypt() after rotation error: %v", err)
	}
	if decoded.Text != "pre-rotation message" {
		t.Errorf("Text = %q, want %q", decoded.Text, "pre-rotation message")
	}
}

func TestLocalKeyManager_RotateExpiresOutsideGraceWindow(t *testing.T) {
	mgr, err := NewLocalKeyManager(0, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager() error: %v", err)
	}

	oldPub := &mgr.ActivePrivateKey().PublicKey
	record, err := Encrypt("pre-rotation message", oldPub)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if err := mgr.Rotate(); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}

	if _, err := mgr.Decrypt(record); err == nil {
		t.Fatal("mgr.Decrypt() with zero grace window expected error, got nil")
	}
}

func TestAcceptPeerPublicKey_RejectsGarbage(t *testing.T) {
	if _, err := AcceptPeerPublicKey("not valid base64 !!!"); err == nil {
		t.Fatal("AcceptPeerPublicKey() expected error for non-base64 input, got nil")
	}
}

func TestAcceptPeerPublicKey_TrimsWhitespace(t *testing.T) {
	mgr, err := NewLocalKeyManager(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager() error: %v", err)
	}
	b64, err := mgr.OwnPublicKey()
	if err != nil {
		t.Fatalf("OwnPublicKey() error: %v", err)
	}
	if _, err := AcceptPeerPublicKey("\n  " + b64 + "  \t\n"); err != nil {
		t.Fatalf("AcceptPeerPublicKey() with surrounding whitespace error: %v", err)
	}
}

func TestAcceptPeerPublicKey_RejectsWeakKey(t *testing.T) {
	// A 1024-bit key should be rejected by the modulus size floor
	// regardless of otherwise being well-formed.
	weakPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	b64, err := encodePublicKeyB64(&weakPriv.PublicKey)
	if err != nil {
		t.Fatalf("encodePublicKeyB64() error: %v", err)
	}
	if _, err := AcceptPeerPublicKey(b64); err == nil {
		t.Fatal("AcceptPeerPublicKey() expected error for undersized key, got nil")
	}
}

func TestAcceptPeerPublicKey_RejectsNonStandardExponent(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pub := priv.PublicKey
	pub.E = 3
	b64, err := encodePublicKeyB64(&pub)
	if err != nil {
		t.Fatalf("encodePublicKeyB64() error: %v", err)
	}
	if _, err := AcceptPeerPublicKey(b64); err == nil {
		t.Fatal("AcceptPeerPublicKey() expected error for exponent != 65537, got nil")
	}
}
