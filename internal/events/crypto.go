package events

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrDecrypt is returned for any payload that cannot be decrypted.
var ErrDecrypt = errors.New("events: decrypt failed")

// Decrypt opens an encrypted callback body. The key is SHA-256 of the
// configured encrypt key, the first block of the decoded text is the IV,
// and the plaintext carries PKCS#7 padding.
func Decrypt(encoded, encryptKey string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	if len(buf) < 2*aes.BlockSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	iv, data := buf[:aes.BlockSize], buf[aes.BlockSize:]
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecrypt)
	}

	key := sha256.Sum256([]byte(encryptKey))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	return unpad(plain)
}

// Encrypt is the inverse of Decrypt. The server uses it only in tests and
// in the trigger tooling that replays callbacks locally.
func Encrypt(plain []byte, encryptKey string, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("events: iv must be %d bytes", aes.BlockSize)
	}

	key := sha256.Sum256([]byte(encryptKey))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("events: encrypt: %w", err)
	}

	padded := pad(plain)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Signature computes the hex SHA-256 over timestamp, nonce, key and body,
// concatenated in that order.
func Signature(timestamp, nonce, encryptKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)

	return hex.EncodeToString(h.Sum(nil))
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize

	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}

	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}

	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}

	return b[:len(b)-n], nil
}
