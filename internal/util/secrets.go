// Package util holds process-wide helpers that do not belong to any single
// component: secret decryption, the retry/backoff classifier, and bps/decimal
// math shared between the planner and sizing.
package util

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// Decrypt reverses the AES-256-GCM encryption used to store the operator's
// private key at rest: key is the 32-byte hex-encoded symmetric key, enc is
// the hex-encoded "nonce||ciphertext" blob.
func Decrypt(key []byte, enc string) (string, error) {
	keyBytes, err := hex.DecodeString(string(key))
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	blob, err := hex.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return "", fmt.Errorf("ciphertext shorter than nonce size %d", nonceSize)
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
