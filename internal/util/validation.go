package util

import (
	"strings"

	"github.com/google/uuid"
)

const maxIdentityLength = 128

func IsValidOrderID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeIdentity trims a caller-supplied anonymous handle and rejects
// empty or oversized values.
func NormalizeIdentity(identity string) (string, bool) {
	identity = strings.TrimSpace(identity)
	if identity == "" || len(identity) > maxIdentityLength {
		return "", false
	}
	return identity, true
}
