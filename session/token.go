package session

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

// newToken returns a random hex token of byteLen entropy bytes.
func newToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	return hex.EncodeToString(b), nil
}
