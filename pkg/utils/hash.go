package utils

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

func HashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashParts hashes an ordered tuple. Parts are NUL-separated so ("a", "bc")
// and ("ab", "c") differ.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x00"))
}
