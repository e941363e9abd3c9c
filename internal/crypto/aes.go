package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
)

// Aes encrypts and decrypts stored secrets with AES-CFB. Ciphertext is
// hex(iv || data).
type Aes struct {
	block cipher.Block
}

// NewAes builds a cipher from a 16, 24 or 32 byte key.
func NewAes(key string) (*Aes, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	return &Aes{block: block}, nil
}

func (a *Aes) Encrypt(plaintext string) (string, error) {
	cipherData := make([]byte, aes.BlockSize+len(plaintext))
	iv := cipherData[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	cipher.NewCFBEncrypter(a.block, iv).XORKeyStream(cipherData[aes.BlockSize:], []byte(plaintext))
	return hex.EncodeToString(cipherData), nil
}

func (a *Aes) Decrypt(d string) (string, error) {
	if d == "" {
		return "", nil
	}
	cipherData, err := hex.DecodeString(d)
	if err != nil {
		return "", err
	}

	if len(cipherData) < aes.BlockSize {
		return "", errors.New("cipherData too short")
	}
	iv := cipherData[:aes.BlockSize]
	cipherData = cipherData[aes.BlockSize:]
	cipher.NewCFBDecrypter(a.block, iv).XORKeyStream(cipherData, cipherData)
	return string(cipherData), nil
}

// Decrypter is what the use cases depend on to read stored secrets.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Plaintext passes values through unchanged. It is used when no key is
// configured, e.g. in local development.
type Plaintext struct{}

func (Plaintext) Decrypt(s string) (string, error) { return s, nil }
