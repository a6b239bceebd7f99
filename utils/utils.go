package utils

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
)

// ExtractAddress extracts the bare address from "Name <email@domain.com>"
func ExtractAddress(s string) string {
	if start := strings.Index(s, "<"); start != -1 {
		if end := strings.Index(s, ">"); end != -1 && end > start {
			return strings.TrimSpace(s[start+1 : end])
		}
	}
	return strings.TrimSpace(s)
}

// ValidateAddress checks the syntactic format of an email address
func ValidateAddress(addr string) error {
	if err := checkmail.ValidateFormat(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// DomainOf returns the domain part of an address, lowercased
func DomainOf(addr string) string {
	addr = ExtractAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// SizeKB converts a byte count to kilobytes, rounding up so that small
// messages still charge the ledger
func SizeKB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + 1023) / 1024
}

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}
