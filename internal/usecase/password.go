package usecase

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 390000

// HashPassword encodes a password as
// pbkdf2_sha256$<iterations>$<hex salt>$<hex digest>. The 16 random salt
// bytes are hex-encoded first and the resulting 32-char string is the
// PBKDF2 salt, which keeps hashes portable across stacks storing the salt
// as text.
func HashPassword(password string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("op=auth.HashPassword: %w", err)
	}
	salt := hex.EncodeToString(raw[:])
	digest := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s", pbkdf2Iterations, salt, hex.EncodeToString(digest)), nil
}

// VerifyPassword reports whether password matches the encoded hash using a
// constant-time digest compare.
func VerifyPassword(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), []byte(parts[2]), iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// PasswordPolicyOK enforces the minimum password rules: at least 8 chars
// containing a letter and a digit.
func PasswordPolicyOK(password string) bool {
	if len(password) < 8 {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// HashToken returns the hex SHA-256 of a bearer token; only this hash is
// ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newSessionToken() (token, tokenHash string, err error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("op=auth.newSessionToken: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}
