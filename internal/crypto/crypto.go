// Package crypto provides the cryptographic primitives shared by the key
// custody layer: data-key derivation, envelope encryption for the software
// keystore, and secure zeroing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key using HKDF-SHA256. Used to turn an operator-supplied
// root secret plus a stable salt (e.g. the keystore id) into the per-process
// data-encryption key that wraps individual deposit keys.
func DeriveKey(masterKey []byte, salt []byte, info string, keyLen int) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes generates cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign generates an HMAC-SHA256 signature.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify verifies an HMAC-SHA256 signature.
func HMACVerify(key, data, signature []byte) bool {
	expectedSig := HMACSign(key, data)
	return hmac.Equal(signature, expectedSig)
}

// Encrypt encrypts plaintext using AES-256-GCM. The nonce is generated fresh
// per call and prepended to the returned ciphertext, so the stored record is
// nonce‖ciphertext‖tag: GCM appends its tag after the ciphertext, and the
// record does not place the tag ahead of the ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, splitting the nonce back off the front of the
// stored record before opening the AEAD box.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Hash256 computes SHA256 hash.
func Hash256(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// ZeroBytes securely zeros a byte slice. Used to irreversibly wipe deposit
// key material on terminal MixRequest states.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
