package topup

import (
	"crypto/rand"
	"fmt"
)

// Alphabet for transfer code suffixes. No I, L, O, 0 or 1: people retype
// these codes into banking apps and must not have to guess which glyph
// they are looking at.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeSuffixLength = 6

// generateCode returns prefix plus a random suffix, e.g. "ALPHA7K2M9P".
func generateCode(prefix string) (string, error) {
	// Largest multiple of the alphabet size that fits in a byte. Bytes at
	// or above it are rejected to keep the distribution uniform.
	limit := 256 - 256%len(codeAlphabet)

	suffix := make([]byte, 0, codeSuffixLength)
	buf := make([]byte, 16)

	for len(suffix) < codeSuffixLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("error while generating transfer code. Err: %w", err)
		}

		for _, b := range buf {
			if int(b) >= limit {
				continue
			}

			suffix = append(suffix, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(suffix) == codeSuffixLength {
				break
			}
		}
	}

	return prefix + string(suffix), nil
}
