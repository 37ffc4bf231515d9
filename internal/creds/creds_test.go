package creds

import (
	"strings"
	"testing"
)

func testKey() []byte {
	return []byte(strings.Repeat("k", 32))
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	ciphertext, err := cipher.Encrypt("api-key-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == "api-key-123" {
		t.Fatal("ciphertext equals plaintext")
	}

	plaintext, err := cipher.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "api-key-123" {
		t.Fatalf("expected api-key-123, got %s", plaintext)
	}
}

func TestCipherEmptyCiphertext(t *testing.T) {
	cipher, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	plaintext, err := cipher.Decrypt("")
	if err != nil {
		t.Fatalf("decrypt empty: %v", err)
	}
	if plaintext != "" {
		t.Fatalf("expected empty plaintext, got %q", plaintext)
	}
}

func TestCipherRejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	cipher, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	ciphertext, err := cipher.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := "A" + ciphertext[1:]
	if tampered == ciphertext {
		tampered = "B" + ciphertext[1:]
	}
	if _, err := cipher.Decrypt(tampered); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}
