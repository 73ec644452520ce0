package crypt

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T) *XChaCha {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	p, err := NewFromEncoded(key)
	require.NoError(t, err)
	return p
}

func TestRoundTrip(t *testing.T) {
	p := newProvider(t)
	for _, plain := range [][]byte{[]byte(`{"a":1}`), {}} {
		ct, err := p.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, plain, ct)

		got, err := p.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	p := newProvider(t)
	a, err := p.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := p.Encrypt([]byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptFailsLoudly(t *testing.T) {
	p := newProvider(t)
	ct, err := p.Encrypt([]byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff
	got, err := p.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecrypt)
	require.Nil(t, got)

	_, err = newProvider(t).Decrypt(ct)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = p.Decrypt([]byte("short"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecodeKey(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := DecodeKey(enc.EncodeToString(raw))
		require.NoError(t, err)
		require.Equal(t, raw, key)
	}

	_, err := DecodeKey("")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("16-bytes-of-key!")))
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = DecodeKey("%%%not-base64%%%")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = New([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}
