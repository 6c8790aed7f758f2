package link

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
)

// verifierBytes encodes to the 128 character maximum of RFC 7636.
const verifierBytes = 96

// NewCodeVerifier returns a random PKCE code verifier made of unreserved
// URL characters.
func NewCodeVerifier(random io.Reader) (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge computes the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func newChallengeID(random io.Reader) (uint64, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(random, b[:]); err != nil {
			return 0, err
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id, nil
		}
	}
}

var defaultRandom io.Reader = rand.Reader
