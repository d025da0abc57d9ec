package util

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// accessCodeAlphabet omits characters that are easy to confuse when read aloud
// or typed from paper (0/O, 1/I/L).
const accessCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewAccessCode returns a random participant access code of the given length.
func NewAccessCode(length int) string {
	if length <= 0 {
		length = 8
	}
	buf := make([]byte, length)
	_, _ = rand.Read(buf)
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = accessCodeAlphabet[int(b)%len(accessCodeAlphabet)]
	}
	return string(out)
}
