// Package idgen centralizes identifier generation: random unique ids and
// the random lowercase strings used for auto-assigned HTTP hostnames.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// New returns a fresh random unique identifier.
func New() string {
	return uuid.New().String()
}

const lowercaseAlphabet = "abcdefghijklmnopqrstuvwxyz"

// RandomLowercase returns a random lowercase string of length n, using a
// cryptographic RNG.
func RandomLowercase(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = lowercaseAlphabet[int(b)%len(lowercaseAlphabet)]
	}
	return string(out)
}
