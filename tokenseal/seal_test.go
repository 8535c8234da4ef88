package tokenseal

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1."))
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", opened)
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)
	a, _ := s.Seal("secret")
	b, _ := s.Seal("secret")
	assert.NotEqual(t, a, b)
}

func TestOpenPlaintextPassesThrough(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)
	got, err := s.Open("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got)
}

func TestNilSealerStoresPlaintext(t *testing.T) {
	var s *Sealer
	sealed, err := s.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", sealed)

	_, err = s.Open("v1.AAAA.BBBB")
	assert.Error(t, err)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	a, err := New(testKey)
	require.NoError(t, err)
	b, err := New(base64.StdEncoding.EncodeToString([]byte("another key with enough bytes!!!")))
	require.NoError(t, err)

	sealed, err := a.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestOpenMalformed(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)
	for _, v := range []string{"v1.", "v1.onlyone", "v1.!!!.AAAA", "v1.AAAA.AAAA"} {
		_, err := s.Open(v)
		assert.Errorf(t, err, "value %q", v)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNewAcceptsPassphrase(t *testing.T) {
	s, err := New("correct horse battery staple")
	require.NoError(t, err)
	sealed, err := s.Seal("x")
	require.NoError(t, err)
	got, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}
