package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateRandomBytes(32)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("deposit key material")

	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypt(encrypt(x)) = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := GenerateRandomBytes(32)
	key2, _ := GenerateRandomBytes(32)
	ciphertext, err := Encrypt(key1, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(key2, ciphertext); err == nil {
		t.Fatalf("expected decrypt with wrong key to fail")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := []byte("root-secret-root-secret-root-se")
	k1, err := DeriveKey(master, []byte("keystore-1"), "mixcore-keystore", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKey(master, []byte("keystore-1"), "mixcore-keystore", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey must be deterministic for identical inputs")
	}

	k3, err := DeriveKey(master, []byte("keystore-2"), "mixcore-keystore", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("DeriveKey must differ across salts")
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	ZeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, v)
		}
	}
}
