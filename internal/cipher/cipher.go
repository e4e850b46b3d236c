// ABOUTME: AES-256-CBC codec for wire messages, shared by server and agent.
// ABOUTME: Envelopes are base64(IV || ciphertext) with PKCS#7 padding.

package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrCrypto indicates a malformed envelope: bad base64, truncated input,
// or invalid padding. Callers drop the message and keep the session.
var ErrCrypto = errors.New("crypto error")

// Codec encrypts and decrypts wire messages with a key derived from a
// shared passphrase. Both ends must be configured with the same
// passphrase; there is no per-session negotiation.
type Codec struct {
	key []byte
}

// New derives a 256-bit key from the passphrase via SHA-256.
func New(passphrase string) *Codec {
	sum := sha256.Sum256([]byte(passphrase))
	return &Codec{key: sum[:]}
}

// Encrypt returns base64(IV || AES-256-CBC(pad(plaintext))) with a fresh
// random 16-byte IV. Two encryptions of the same plaintext never produce
// the same envelope.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any malformed input — bad base64, a body
// shorter than one block, a ciphertext that is not block-aligned, or
// invalid padding after decryption — fails with ErrCrypto.
func (c *Codec) Decrypt(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrCrypto, err)
	}
	if len(raw) < 2*aes.BlockSize {
		return nil, fmt.Errorf("%w: envelope too short (%d bytes)", ErrCrypto, len(raw))
	}

	iv := raw[:aes.BlockSize]
	ct := raw[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrCrypto)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plain := make([]byte, len(ct))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

// pad applies PKCS#7 padding up to blockSize.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", ErrCrypto)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: invalid padding byte", ErrCrypto)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrCrypto)
		}
	}
	return data[:len(data)-n], nil
}
