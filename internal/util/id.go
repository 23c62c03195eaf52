package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewID returns a 24-char lowercase hex id, the same shape as a document-database ObjectID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IsID reports whether s has the shape produced by NewID.
func IsID(s string) bool {
	return idPattern.MatchString(s)
}
