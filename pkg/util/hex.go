package util

import (
	"fmt"
	"strings"
)

// IsHex reports whether s is non-empty and consists only of hex digits.
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizePublicKey validates a 32-byte public key in hex form and returns
// it in canonical uppercase. Whitespace is removed before validation.
func NormalizePublicKey(s string) (string, error) {
	clean := stripSpace(s)
	if len(clean) != 64 || !IsHex(clean) {
		return "", fmt.Errorf("invalid public key format: %q", clean)
	}
	return strings.ToUpper(clean), nil
}

// ValidatePrivateKey checks that s is a 64-byte private key in hex form.
// The key is returned as-is; callers must take care not to log it in full.
func ValidatePrivateKey(s string) (string, error) {
	clean := stripSpace(s)
	if len(clean) != 128 {
		return "", fmt.Errorf("private key wrong length: %d (expected 128)", len(clean))
	}
	if !IsHex(clean) {
		return "", fmt.Errorf("private key is not valid hex")
	}
	return clean, nil
}

// Truncate returns at most n leading characters of s, for safe logging of
// key material.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
