package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CodeAlphabet is the 32-symbol alphabet for activation codes. Visually
// ambiguous glyphs (I, O, 0, 1) are excluded because the code is read aloud
// or typed from a screen.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the activation code length in characters.
const CodeLength = 8

// GenerateActivationCode returns a random human-typable activation code.
func GenerateActivationCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate activation code: %w", err)
	}
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(buf), nil
}

// NormalizeCode uppercases and trims an activation code as typed by a human.
// Codes are case-insensitive on input, stored and compared uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashCode returns the hex SHA-256 of a normalized activation code. Only the
// hash is persisted, never the code itself.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// HashPIN returns the hex SHA-256 of an operator PIN, used as the lookup key
// for PIN login scoped to a tenant.
func HashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// GenerateDeviceSecret returns a fresh device secret for the given credential
// version, its plaintext form "v<version>.<hex>" (returned to the caller
// exactly once) and the bcrypt hash of the random part for storage.
func GenerateDeviceSecret(version int) (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate device secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash device secret: %w", err)
	}

	return fmt.Sprintf("v%d.%s", version, secret), string(digest), nil
}

// ParseDeviceSecret splits a presented secret into its credential version and
// random part. The version prefix lets login distinguish a revoked credential
// from a wrong one.
func ParseDeviceSecret(presented string) (version int, secret string, ok bool) {
	if !strings.HasPrefix(presented, "v") {
		return 0, "", false
	}
	rest := presented[1:]
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return 0, "", false
	}
	v, err := strconv.Atoi(rest[:dot])
	if err != nil || v < 1 {
		return 0, "", false
	}
	return v, rest[dot+1:], true
}

// VerifyDeviceSecret compares the random part of a presented secret against
// the stored bcrypt hash.
func VerifyDeviceSecret(storedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
}
