package authgate

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func storedHashFor(salt []byte, secret string) string {
	sum := sha256.Sum256(append(salt, []byte(secret)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum[:])
}

func TestVerifyRoundTrip(t *testing.T) {
	secrets := []string{"s3cret", "", "pässwörd", "a very long deployment token with spaces"}

	for _, secret := range secrets {
		stored, err := HashToken(secret)
		if err != nil {
			t.Fatalf("HashToken(%q): %v", secret, err)
		}
		if !Verify(secret, stored) {
			t.Errorf("Verify(%q, %q) = false, want true", secret, stored)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	salt := []byte{0x01, 0x02, 0x03, 0x04}
	stored := storedHashFor(salt, "correct-token")

	for _, wrong := range []string{"correct-toke", "correct-tokeN", "Correct-token", "correct-token "} {
		if Verify(wrong, stored) {
			t.Errorf("Verify(%q) = true, want false", wrong)
		}
	}
}

func TestVerifyRejectsMutatedHash(t *testing.T) {
	salt := []byte{0xaa, 0xbb}
	stored := storedHashFor(salt, "token")

	// Flip the last hex digit of the digest segment.
	mutated := []byte(stored)
	last := mutated[len(mutated)-1]
	if last == '0' {
		mutated[len(mutated)-1] = '1'
	} else {
		mutated[len(mutated)-1] = '0'
	}

	if Verify("token", string(mutated)) {
		t.Error("Verify accepted a mutated stored hash")
	}
}

func TestVerifyMalformedStoredHash(t *testing.T) {
	cases := []string{
		"",
		"nocolon",
		":",
		"ab:",
		":cd",
		"zz:1234",     // salt is not hex
		"abcd:zz",     // digest is not hex
		"ab:cd:ef",    // too many segments
		"ab::cd",      // empty middle segment
	}

	for _, stored := range cases {
		if Verify("anything", stored) {
			t.Errorf("Verify(%q) = true, want false", stored)
		}
	}
}
