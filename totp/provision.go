package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
)

const (
	secretBytes = 20
	qrSize      = 256
)

var base32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewSecret returns a random 160-bit secret, base32 encoded without padding.
func NewSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("totp: read random: %w", err)
	}
	return base32NoPadding.EncodeToString(buf), nil
}

// KeyURI builds the otpauth:// URI authenticator apps scan from a QR code.
func KeyURI(issuer, account, secret string) string {
	issuer = strings.TrimSpace(issuer)
	account = strings.TrimSpace(account)

	label := url.PathEscape(issuer + ":" + account)
	return fmt.Sprintf("otpauth://totp/%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		label, url.QueryEscape(secret), url.QueryEscape(issuer), Digits, int(Period/time.Second))
}

// QRCode renders uri as a PNG.
func QRCode(uri string) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("totp: encode qr: %w", err)
	}
	return png, nil
}
