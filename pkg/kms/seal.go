package kms

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const DEKSize = chacha20poly1305.KeySize

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305 and prepends the nonce.
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, errors.Wrap(err, "xchacha20")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, errors.Wrap(err, "xchacha20")
	}
	n := aead.NonceSize()
	if len(ciphertext) < n+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	out, err := aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// WrapDEK encrypts a data key under the KMS master key, bound to encContext.
func WrapDEK(ctx context.Context, a *Adapter, dek []byte, encContext EncryptionContext) ([]byte, error) {
	return a.EncryptWithContext(ctx, dek, encContext)
}
