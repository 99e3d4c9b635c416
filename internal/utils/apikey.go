package utils

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}

func CheckAPIKey(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// MatchAPIKey accepts either a bcrypt hash or a plain key as the expected value.
func MatchAPIKey(expected, key string) bool {
	if expected == "" || key == "" {
		return false
	}
	if strings.HasPrefix(expected, "$2") {
		return CheckAPIKey(expected, key) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(key)) == 1
}
