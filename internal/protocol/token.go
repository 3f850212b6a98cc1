package protocol

import (
	"math/rand"
	"strings"
)

const (
	TokenLength   = 6
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewSessionToken returns a random 6 character uppercase alphanumeric token.
func NewSessionToken() string {
	b := make([]byte, TokenLength)
	for i := range b {
		b[i] = tokenAlphabet[rand.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

// NormalizeToken trims and uppercases user input.
func NormalizeToken(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidToken reports whether s is a well-formed, already normalized token.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
