package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD defines the interface used for securing cookies. It matches the
// [github.com/tink-crypto/tink-go/v2/tink.AEAD] interface.
type AEAD interface {
	// Encrypt the plaintext
	Encrypt(plaintext, associatedData []byte) ([]byte, error)

	// Decrypt the cipertext
	Decrypt(ciphertext, associatedData []byte) ([]byte, error)
}

// xchaPolyAEAD uses XChaCha20-Poly1305 with a random nonce prefixed to the
// ciphertext.
type xchaPolyAEAD struct {
	encryptionKey  []byte
	decryptionKeys [][]byte
}

// NewXChaPolyAEAD constructs an XChaCha20-Poly1305 AEAD. The keys must be 32
// bytes, and not all zero. The encryption key is used to encrypt and decrypt,
// additional keys are only tried for decryption, to enable key rotation.
func NewXChaPolyAEAD(encryptionKey []byte, additionalDecryptionKeys [][]byte) (AEAD, error) {
	zero := make([]byte, chacha20poly1305.KeySize)
	for _, k := range append([][]byte{encryptionKey}, additionalDecryptionKeys...) {
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("keys must be %d bytes", chacha20poly1305.KeySize)
		}
		if bytes.Equal(k, zero) {
			return nil, errors.New("keys must not be all zero")
		}
	}

	return &xchaPolyAEAD{
		encryptionKey:  encryptionKey,
		decryptionKeys: additionalDecryptionKeys,
	}, nil
}

func (x *xchaPolyAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

func (x *xchaPolyAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("invalid ciphertext")
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]

	for _, dk := range append([][]byte{x.encryptionKey}, x.decryptionKeys...) {
		aead, err := chacha20poly1305.NewX(dk)
		if err != nil {
			return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
		}
		if pt, err := aead.Open(nil, nonce, ct, associatedData); err == nil {
			return pt, nil
		}
	}
	return nil, errors.New("failed to decrypt data")
}
