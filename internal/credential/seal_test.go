package credential

import (
	"bytes"
	"encoding/hex"
	"testing"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testSealKey)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	plain := []byte(`{"access_token":"secret"}`)
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("Sealed blob must not contain plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("Round trip mismatch: got %q", opened)
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	sealer, _ := NewSealer(testSealKey)
	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	otherKey := hex.EncodeToString(bytes.Repeat([]byte{0xff}, 32))
	other, _ := NewSealer(otherKey)
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open with wrong key should fail")
	}
}

func TestSealerRejectsTamperedBlob(t *testing.T) {
	sealer, _ := NewSealer(testSealKey)
	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	sealed[len(sealed)-1] ^= 0x01
	if _, err := sealer.Open(sealed); err == nil {
		t.Error("Open of tampered blob should fail")
	}
}

func TestNilSealerPassesThrough(t *testing.T) {
	sealer, err := NewSealer("")
	if err != nil {
		t.Fatalf("Empty key should produce a nil sealer, got error: %v", err)
	}
	if sealer != nil {
		t.Fatal("Empty key should produce a nil sealer")
	}

	plain := []byte("payload")
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("Nil sealer Seal failed: %v", err)
	}
	if !bytes.Equal(sealed, plain) {
		t.Error("Nil sealer should pass data through unchanged")
	}
}

func TestSealerRejectsBadKey(t *testing.T) {
	if _, err := NewSealer("too-short"); err == nil {
		t.Error("Expected error for malformed key")
	}
}
