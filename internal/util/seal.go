package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// AESKeySize is the only key length SealAES accepts.
const AESKeySize = 32

// sealFormatV1 prefixes every sealed blob: version(1) || nonce(12) || ciphertext.
const sealFormatV1 byte = 1

var ErrSealedFormat = errors.New("unrecognized sealed value")

func gcmFor(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealAES encrypts plainText with AES-256-GCM. The aad binds the blob to
// its owner and must be presented again to OpenAES.
func SealAES(plainText, key, aad []byte) ([]byte, error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plainText)+gcm.Overhead())
	out = append(out, sealFormatV1)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plainText, aad), nil
}

// OpenAES reverses SealAES.
func OpenAES(sealed, key, aad []byte) ([]byte, error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+gcm.NonceSize() || sealed[0] != sealFormatV1 {
		return nil, ErrSealedFormat
	}
	body := sealed[1:]
	plainText, err := gcm.Open(nil, body[:gcm.NonceSize()], body[gcm.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}
	return plainText, nil
}
