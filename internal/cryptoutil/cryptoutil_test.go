package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func genKeyPair(t *testing.T) (pubBody, privBody string, priv *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubBody = base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	privBody = base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(key))
	return pubBody, privBody, key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pubBody, privBody, _ := genKeyPair(t)

	pub, err := ImportPublicKey(pubBody)
	require.NoError(t, err)
	priv, err := ImportPrivateKey(privBody)
	require.NoError(t, err)

	ciphertext, err := Encrypt(pub, "hello, bank")
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)

	plaintext, err := Decrypt(priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello, bank", plaintext)
}

func TestEncryptEmptyPassesThrough(t *testing.T) {
	pubBody, _, _ := genKeyPair(t)
	pub, err := ImportPublicKey(pubBody)
	require.NoError(t, err)

	out, err := Encrypt(pub, "")
	require.NoError(t, err)
	require.Equal(t, "", out)
}
