package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Parameters for argon2id key derivation. Fixed so that armored blobs remain
// decryptable across versions.
const (
	armorSaltSize  = 16
	armorNonceSize = 12
	armorKeySize   = 32
)

// EncryptWithPassphrase encrypts data with a passphrase using argon2id key
// derivation and AES-GCM authenticated encryption. The output format is
// salt || nonce || ciphertext.
//
// Used to armor exported private keys before they leave the process for
// controlled backup.
func EncryptWithPassphrase(passphrase string, data []byte) ([]byte, error) {
	salt := make([]byte, armorSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, armorKeySize)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, armorNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, armorSaltSize+armorNonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(passphrase string, encrypted []byte) ([]byte, error) {
	if len(encrypted) < armorSaltSize+armorNonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encrypted[:armorSaltSize]
	nonce := encrypted[armorSaltSize : armorSaltSize+armorNonceSize]
	ciphertext := encrypted[armorSaltSize+armorNonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, armorKeySize)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("failed to decrypt: wrong passphrase or corrupted data")
	}

	return plaintext, nil
}
