// Package crypto wraps the AEAD and key-agreement primitives used for
// prekey bundles and local payload sealing.
package crypto

import (
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

// Every key here is single-use, so a fixed nonce is safe.
var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// EncryptWithDH seals msg under the shared secret of a curve25519 pair.
func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	shared := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(shared[:], msg, ad)
}

// DecryptWithDH opens a payload sealed by EncryptWithDH.
func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	shared := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(shared[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		panic("key is wrong length")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		panic("key is wrong length")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce12, enc, ad)
}
