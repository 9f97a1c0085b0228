package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const tokenRawSize = 32

// NewOTP returns a fixed-length numeric one-time code drawn from a
// cryptographically secure source. Each digit is sampled independently so
// the code is uniform over the full digit space.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// NewLinkToken returns a 256-bit random token encoded base64url without
// padding. The encoded form is what travels inside the link; only its hash
// is ever persisted alongside the challenge record.
func NewLinkToken() (string, error) {
	return newOpaqueToken()
}

// NewRefreshToken returns a 256-bit opaque refresh token, base64url encoded.
func NewRefreshToken() (string, error) {
	return newOpaqueToken()
}

func newOpaqueToken() (string, error) {
	var raw [tokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashSecret is the storage-comparison hash for codes and tokens. Raw
// secrets never reach a store through any other path.
func HashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// IsNumeric reports whether s consists solely of ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
