package keyset

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeECPublicKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	k := key{
		Kty: "EC",
		Kid: "ec-1",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.X.Bytes()),
		Y:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.Y.Bytes()),
	}
	pub, err := k.decodePublicKey()
	require.NoError(t, err)

	ecPub, ok := pub.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, ecPub.X.Cmp(priv.PublicKey.X))
	assert.Equal(t, 0, ecPub.Y.Cmp(priv.PublicKey.Y))
}

func TestDecodeECUnknownCurve(t *testing.T) {
	k := key{Kty: "EC", Crv: "P-111", X: "AQAB", Y: "AQAB"}
	_, err := k.decodePublicKey()
	assert.Error(t, err)
}

func TestDecodeOctKey(t *testing.T) {
	secret := []byte("a-shared-hmac-secret")
	k := key{Kty: "oct", Kid: "hs-1", K: base64.RawURLEncoding.EncodeToString(secret)}

	pub, err := k.decodePublicKey()
	require.NoError(t, err)
	assert.Equal(t, secret, pub)
}

func TestDecodeUnknownKeyType(t *testing.T) {
	k := key{Kty: "OKP", Kid: "ed-1"}
	_, err := k.decodePublicKey()
	assert.Error(t, err)
}

func TestDecodeRSARoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	k := key{
		Kty: "RSA",
		Kid: "rsa-1",
		N:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
		E:   "AQAB",
	}
	pub, err := k.decodePublicKey()
	require.NoError(t, err)

	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, rsaPub.N.Cmp(priv.PublicKey.N))
	assert.Equal(t, priv.PublicKey.E, rsaPub.E)
}
