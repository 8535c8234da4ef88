package totp

// Decode turns a base32 secret into key bytes.
//
// It is deliberately lenient: input is upper-cased, every character outside
// the RFC 4648 alphabet (A-Z, 2-7) is dropped, and trailing bits that do not
// fill a whole byte are discarded. Malformed input therefore yields a shorter
// key instead of an error. Authenticator apps hand out secrets with spaces,
// dashes and lower case, and previously stored secrets depend on this.
func Decode(secret string) []byte {
	out := make([]byte, 0, len(secret)*5/8)

	var (
		acc  uint32
		bits uint
	)
	for i := 0; i < len(secret); i++ {
		v, ok := symbolValue(secret[i])
		if !ok {
			continue
		}
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
			acc &= 1<<bits - 1
		}
	}
	return out
}

func symbolValue(c byte) (byte, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a', true
	case c >= 'A' && c <= 'Z':
		return c - 'A', true
	case c >= '2' && c <= '7':
		return c - '2' + 26, true
	default:
		return 0, false
	}
}
