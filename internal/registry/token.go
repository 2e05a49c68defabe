package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// VerifierFunc adapts a function to TokenVerifier.
type VerifierFunc func(token string) (Identity, error)

func (f VerifierFunc) Verify(token string) (Identity, error) { return f(token) }

var errBadToken = errors.New("malformed or tampered token")

// HMACVerifier checks tokens of the form userID.username.hexsig where the
// signature is HMAC-SHA256 over "userID.username". Issuance lives in the
// auth service; this side only verifies.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return Identity{}, errBadToken
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)
	got, err := hex.DecodeString(parts[2])
	if err != nil || !hmac.Equal(want, got) {
		return Identity{}, errBadToken
	}
	return Identity{UserID: parts[0], Username: parts[1]}, nil
}

// Sign produces a token the verifier accepts; used by tests and local dev.
func (v *HMACVerifier) Sign(userID, username string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID + "." + username))
	return userID + "." + username + "." + hex.EncodeToString(mac.Sum(nil))
}
