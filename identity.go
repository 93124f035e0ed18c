package sessionguard

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	sidLength = 32
	aadLength = 32

	printableSIDLength = 10
	noSession          = "no_session"
)

// UsernameHash returns the hex encoded SHA3-256 digest of username. It is
// the only form of the username that reaches the index store.
func UsernameHash(username string) string {
	sum := sha3.Sum256([]byte(username))
	return hex.EncodeToString(sum[:])
}

// usernameHash is UsernameHash for usernames that may be absent.
func usernameHash(username string) string {
	if username == "" {
		return ""
	}
	return UsernameHash(username)
}

// printableSessionID shortens sid for log lines.
func printableSessionID(sid string) string {
	if sid == "" {
		return noSession
	}
	if len(sid) <= printableSIDLength {
		return sid
	}
	return sid[len(sid)-printableSIDLength:]
}

// randomToken returns n random bytes encoded as standard base64.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("sessionguard: failed to generate random token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
