// Package auth hashes and checks the shared invitation codes.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// NormalizeCode trims and upper-cases a code so comparisons ignore case.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashCode returns a bcrypt hash of the normalized code, suitable for config.
func HashCode(code string) (string, error) {
	code = NormalizeCode(code)
	if code == "" {
		return "", errors.New("code is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsHash reports whether stored looks like a bcrypt hash.
func IsHash(stored string) bool {
	_, err := bcrypt.Cost([]byte(stored))
	return err == nil
}

// CheckCode compares a submitted code with a stored plain code or bcrypt hash.
func CheckCode(code, stored string) bool {
	code = NormalizeCode(code)
	stored = strings.TrimSpace(stored)
	if code == "" || stored == "" {
		return false
	}
	if IsHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(code)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(NormalizeCode(stored))) == 1
}
