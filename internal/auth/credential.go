package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// CredentialSize is the raw digest length stored in the database.
	CredentialSize = 28
	// CredentialEncodedLen is the length of the base64 form handed to clients.
	CredentialEncodedLen = 40

	credentialSeparator = "|"
)

var ErrInvalidCredential = errors.New("invalid credential")

// DeriveCredential computes the one-way credential for a person issued at the
// given instant. The secret is folded into a fixed-size BLAKE2b key so any
// secret length works.
func DeriveCredential(secret []byte, personID int64, issuedAt time.Time) ([]byte, error) {
	key := blake2b.Sum256(secret)
	h, err := blake2b.New(CredentialSize, key[:])
	if err != nil {
		return nil, fmt.Errorf("init credential hash: %w", err)
	}
	_, _ = h.Write([]byte(strconv.FormatInt(personID, 10)))
	_, _ = h.Write([]byte(credentialSeparator))
	_, _ = h.Write([]byte(strconv.FormatInt(issuedAt.UnixNano(), 10)))
	return h.Sum(nil), nil
}

func EncodeCredential(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeCredential reverses EncodeCredential. Anything that is not exactly a
// full-length credential is rejected before it reaches storage.
func DecodeCredential(value string) ([]byte, error) {
	if len(value) != CredentialEncodedLen {
		return nil, ErrInvalidCredential
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) != CredentialSize {
		return nil, ErrInvalidCredential
	}
	return raw, nil
}

// HashUserAgent is the dedup key for user-agent strings.
func HashUserAgent(value string) []byte {
	sum := blake2b.Sum256([]byte(value))
	return sum[:]
}
