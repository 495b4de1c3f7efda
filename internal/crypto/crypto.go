// Package crypto seals short secrets, such as payment references, with
// AES-GCM before they are written to the store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// prefix marks sealed values so rows written before a key was configured
// still read back as plaintext.
const prefix = "gcm1:"

type AEAD struct{ aead cipher.AEAD }

// New takes a 16, 24 or 32 byte AES key.
func New(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) Seal(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := a.aead.Seal(nil, nonce, []byte(plaintext), nil)
	buf := append(nonce, ct...)
	return prefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return sealed, nil
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
