// Package totp implements RFC 6238 time-based one-time passwords over
// HMAC-SHA1 with the fixed parameters the admin gate uses: six digits,
// thirty second steps and a one step tolerance on either side.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Digits is the length of every generated code.
	Digits = 6
	// Period is the length of one time step.
	Period = 30 * time.Second
	// DefaultWindow is the number of steps accepted on each side of now.
	DefaultWindow = 1

	codeModulo = 1000000
)

// Counter returns the step index for t: floor(unix seconds / 30).
func Counter(t time.Time) int64 {
	secs := t.Unix()
	step := int64(Period / time.Second)
	c := secs / step
	if secs%step != 0 && secs < 0 {
		c--
	}
	return c
}

// Generate computes the code for key at counter (RFC 4226 dynamic truncation).
func Generate(key []byte, counter int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	binCode := uint32(sum[offset]&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%0*d", Digits, binCode%codeModulo)
}

// GenerateAt decodes secret and returns the code for the step containing t.
func GenerateAt(secret string, t time.Time) string {
	return Generate(Decode(secret), Counter(t))
}

// ValidCode reports whether code is exactly six ASCII digits.
func ValidCode(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Verifier checks submitted codes against a window of steps around Now.
// The zero value uses the wall clock and DefaultWindow.
type Verifier struct {
	Window int
	Now    func() time.Time
}

// Verify reports whether code matches the generated code for any counter in
// [current-Window, current+Window]. A code stays valid for its whole window;
// nothing records that it was already used.
func (v Verifier) Verify(secret, code string) bool {
	if !ValidCode(code) {
		return false
	}
	window := v.Window
	if window < 0 {
		window = 0
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	key := Decode(secret)
	current := Counter(now())
	for i := -window; i <= window; i++ {
		candidate := Generate(key, current+int64(i))
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// Verify checks code against secret with DefaultWindow and the wall clock.
func Verify(secret, code string) bool {
	return Verifier{Window: DefaultWindow}.Verify(secret, code)
}
