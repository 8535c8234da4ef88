package totp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeKnownValues(t *testing.T) {
	assert.Equal(t, []byte("12345678901234567890"), Decode(rfcSecretB32))
	assert.Equal(t, []byte("Hello!\xde\xad\xbe\xef"), Decode("JBSWY3DPEHPK3PXP"))
	assert.Equal(t, []byte("f"), Decode("MY======"))
	assert.Equal(t, []byte("foobar"), Decode("MZXW6YTBOI======"))
}

func TestDecodeIsCaseInsensitive(t *testing.T) {
	inputs := []string{rfcSecretB32, "JBSWY3DPEHPK3PXP", "mzxw6ytboi", "Ab2C-7d ef"}
	for _, s := range inputs {
		want := Decode(s)
		assert.Equalf(t, want, Decode(strings.ToUpper(s)), "upper %q", s)
		assert.Equalf(t, want, Decode(strings.ToLower(s)), "lower %q", s)
	}
}

func TestDecodeIgnoresSeparators(t *testing.T) {
	clean := Decode("JBSWY3DPEHPK3PXP")
	assert.Equal(t, clean, Decode("jbsw y3dp-ehpk 3pxp"))
	assert.Equal(t, clean, Decode("JBSW.Y3DP/EHPK=3PXP=="))
}

func TestDecodeDropsInvalidSymbols(t *testing.T) {
	// 0, 1, 8 and 9 are outside the alphabet and vanish silently.
	assert.Equal(t, Decode("JBSWY3DP"), Decode("JB0SW1Y3D8P9"))
}

func TestDecodeLength(t *testing.T) {
	for n := 0; n <= 40; n++ {
		s := strings.Repeat("A", n)
		assert.Lenf(t, Decode(s), n*5/8, "n=%d", n)
	}
}

func TestDecodeEmpty(t *testing.T) {
	assert.Empty(t, Decode(""))
	assert.Empty(t, Decode("0189!@#"))
}
