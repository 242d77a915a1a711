package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

func TestSealerOpensWhatItSeals(t *testing.T) {
	s, err := NewSealer(testMaster, "totp")
	require.NoError(t, err)

	sealed, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	again, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestSealerRejectsForeignCiphertext(t *testing.T) {
	totp, err := NewSealer(testMaster, "totp")
	require.NoError(t, err)
	other, err := NewSealer(testMaster, "phone")
	require.NoError(t, err)

	sealed, err := totp.Seal("secret")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
	_, err = totp.Open("plain-text")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = totp.Open("v1:AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDeriveKey(t *testing.T) {
	_, err := DeriveKey([]byte("short"), "x", 32)
	assert.ErrorIs(t, err, ErrInvalidKey)

	a, err := DeriveKey(testMaster, "a", 32)
	require.NoError(t, err)
	b, err := DeriveKey(testMaster, "b", 32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestRandomDigits(t *testing.T) {
	code, err := RandomDigits(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}
