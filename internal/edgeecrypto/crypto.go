// Package edgeecrypto implements the fixed AES-128-CBC/PKCS7 envelope used
// to seal the identity and user cookies before they leave the process.
//
// There is no key rotation: the key and IV are deployment secrets supplied
// by configuration, defaulting to fixed 16-byte literals for local
// development.
package edgeecrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultKey and DefaultIV are the literal 16-byte defaults used when no
// deployment secret is configured. They MUST be overridden in production.
const (
	DefaultKey = "0123456789abcdef"
	DefaultIV  = "fedcba9876543210"
)

var (
	// ErrEmptyInput is returned when encrypt/decrypt is called with no data.
	ErrEmptyInput = errors.New("edgeecrypto: empty input")
	// ErrNotHex is returned when decrypt receives input that is not valid hex.
	ErrNotHex = errors.New("edgeecrypto: input is not valid hex")
	// ErrBadPadding is returned when PKCS7 unpadding fails after decryption.
	ErrBadPadding = errors.New("edgeecrypto: invalid PKCS7 padding")
	// ErrBadBlockSize is returned when ciphertext length is not a multiple
	// of the AES block size.
	ErrBadBlockSize = errors.New("edgeecrypto: ciphertext is not a multiple of the block size")
)

// Cipher seals and opens cookie payloads with a fixed AES-128-CBC key/IV pair.
type Cipher struct {
	block cipher.Block
	iv    []byte
}

// New builds a Cipher from a 16-byte key and a 16-byte IV.
func New(key, iv []byte) (*Cipher, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("edgeecrypto: key must be %d bytes, got %d", aes.BlockSize, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("edgeecrypto: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("edgeecrypto: %w", err)
	}
	ivCopy := make([]byte, aes.BlockSize)
	copy(ivCopy, iv)
	return &Cipher{block: block, iv: ivCopy}, nil
}

// Encrypt pads plain with PKCS7, encrypts it with AES-128-CBC, and returns
// the ciphertext as lowercase hex.
func (c *Cipher) Encrypt(plain []byte) (string, error) {
	if len(plain) == 0 {
		return "", ErrEmptyInput
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(c.block, c.iv)
	mode.CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt: hex-decode, AES-128-CBC decrypt, PKCS7 unpad.
func (c *Cipher) Decrypt(hexCipher string) ([]byte, error) {
	if hexCipher == "" {
		return nil, ErrEmptyInput
	}
	raw, err := hex.DecodeString(hexCipher)
	if err != nil {
		return nil, ErrNotHex
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadBlockSize
	}
	out := make([]byte, len(raw))
	mode := cipher.NewCBCDecrypter(c.block, c.iv)
	mode.CryptBlocks(out, raw)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, ErrBadPadding
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:n-padLen], nil
}
