package authgate

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const saltBytes = 16

// Verify checks a presented secret against a stored "salt:hash" credential:
// hex salt and hex SHA-256 digest of the salt bytes followed by the UTF-8
// secret. Malformed stored hashes verify as false, never panic. The digest
// comparison is constant time.
func Verify(secret, storedHash string) bool {
	parts := strings.Split(storedHash, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}

	sum := sha256.Sum256(append(salt, []byte(secret)...))
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

// HashToken produces a stored-hash string for a new secret, for credential
// provisioning.
func HashToken(secret string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := sha256.Sum256(append(salt, []byte(secret)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum[:]), nil
}
