package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// AESKeyCipher implements ports.KeyCipher using AES-256-GCM. Wallet private
// keys only exist decrypted for the duration of a signing call.
type AESKeyCipher struct {
	key []byte // 32-byte key for AES-256
}

// NewAESKeyCipher creates the cipher from a 64-character hex key.
func NewAESKeyCipher(hexKey string) (*AESKeyCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AES key must be 32 bytes, got %d", len(key))
	}
	return &AESKeyCipher{key: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns hex-encoded string: nonce + ciphertext.
func (s *AESKeyCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a hex-encoded AES-256-GCM ciphertext.
func (s *AESKeyCipher) Decrypt(ciphertextHex string) (string, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", apperror.EncryptionFailure(fmt.Errorf("ciphertext too short"))
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperror.EncryptionFailure(err)
	}

	return string(plaintext), nil
}
