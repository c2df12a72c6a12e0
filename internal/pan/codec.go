/**
 * @description
 * This package protects the primary account number (PAN). Cards are persisted
 * with the PAN encrypted, and every caller-facing rendering goes through the
 * mask. The codec is the only component that ever sees plaintext PANs.
 *
 * @notes
 * - AES-256-CBC with PKCS#7 padding. The configured secret is normalized to
 *   exactly 32 bytes (truncated or zero-padded) so any secret string yields a
 *   valid key.
 * - A fresh random IV is generated per encryption and prepended to the
 *   ciphertext before Base64 encoding, so identical PANs never produce
 *   identical ciphertext.
 */

package pan

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEncryptionFailure is returned when a PAN cannot be encrypted. It is
	// terminal and intentionally carries no cipher detail.
	ErrEncryptionFailure = errors.New("pan encryption failure")
	// ErrDecryptionFailure is returned for malformed ciphertext or a key
	// mismatch.
	ErrDecryptionFailure = errors.New("pan decryption failure")
)

const keyLength = 32

// Codec encrypts, decrypts and masks primary account numbers.
type Codec struct {
	key []byte
}

// NewCodec builds a codec from the configured secret. The secret must be
// non-empty; its bytes are truncated or zero-padded to the AES-256 key length.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: encryption key is not configured", ErrEncryptionFailure)
	}
	key := make([]byte, keyLength)
	copy(key, []byte(secret))
	return &Codec{key: key}, nil
}

// Encrypt returns the Base64 encoding of IV||ciphertext for the given
// plaintext PAN.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: empty plaintext", ErrEncryptionFailure)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init", ErrEncryptionFailure)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: iv generation", ErrEncryptionFailure)
	}

	padded := padPKCS7([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

// Decrypt reverses Encrypt. Any structural defect in the input surfaces as
// ErrDecryptionFailure without further detail.
func (c *Codec) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryptionFailure)
	}
	if len(data) < aes.BlockSize+aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: invalid ciphertext length", ErrDecryptionFailure)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init", ErrDecryptionFailure)
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return string(unpadded), nil
}

// Mask renders a plaintext PAN for display. Non-digit characters are stripped;
// inputs with fewer than 4 digits are returned unchanged. All digits except
// the last 4 become '*', and the result is regrouped into blocks of 4
// separated by single spaces.
func Mask(pan string) string {
	var digits strings.Builder
	for _, r := range pan {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < 4 {
		return pan
	}

	stripped := digits.String()
	masked := make([]byte, len(stripped))
	for i := range stripped {
		if i < len(stripped)-4 {
			masked[i] = '*'
		} else {
			masked[i] = stripped[i]
		}
	}

	var grouped strings.Builder
	for i, b := range masked {
		if i > 0 && i%4 == 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteByte(b)
	}
	return grouped.String()
}

func padPKCS7(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
