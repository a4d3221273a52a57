package security

import (
	"crypto/rand"
	"io"
)

const (
	digitAlphabet      = "0123456789"
	charDigitAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	randomReadChunkLen = 64
)

// RandomSource produces the random strings used for client identifiers,
// client secrets, authorization codes, and bearer tokens. It is an injected
// capability rather than a package-level source so tests can substitute a
// deterministic implementation.
//
// A RandomSource does NOT guarantee uniqueness across the keyspace; callers
// must verify generated values against storage and regenerate on collision.
type RandomSource interface {
	// DigitsString returns a string of exactly n decimal digits.
	DigitsString(n int) string

	// CharsDigitsString returns a string of exactly n characters drawn from
	// the upper-case, lower-case, and digit alphabet.
	CharsDigitsString(n int) string
}

// CryptoRandom is the production RandomSource, backed by crypto/rand.
// The zero value is ready to use.
type CryptoRandom struct{}

func (CryptoRandom) DigitsString(n int) string {
	return randomString(digitAlphabet, n)
}

func (CryptoRandom) CharsDigitsString(n int) string {
	return randomString(charDigitAlphabet, n)
}

// randomString draws n characters uniformly from alphabet. Rejection
// sampling avoids modulo bias: bytes outside the largest multiple of
// len(alphabet) are discarded. A failing crypto/rand reader leaves no safe
// way to mint credentials, so it panics, matching the behavior of
// oauth2.GenerateVerifier.
func randomString(alphabet string, n int) string {
	if n <= 0 {
		return ""
	}

	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, randomReadChunkLen)

	for len(out) < n {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			panic("security: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out)
}
