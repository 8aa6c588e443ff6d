// Package util provides identifier helpers for RemindPipe.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex digits.
// Used for job ids and debug artifact names; not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hexadecimal string of the given length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	// Each Uint64 yields 16 hex digits.
	for b.Len() < length {
		v := rand.Uint64()
		for i := 0; i < 16 && b.Len() < length; i++ {
			b.WriteByte(hexChars[v&0xf])
			v >>= 4
		}
	}
	return b.String()
}

// JobID returns a new durable job identifier.
func JobID() string {
	return GenerateRandomID("job_", 32)
}
