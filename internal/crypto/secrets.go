package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretScheme     = "pbkdf2_sha256"
	secretIterations = 260_000
	secretSaltBytes  = 16
	secretKeyBytes   = 32
)

// GenerateSecret returns a fresh url-safe service secret. Shown once at
// provisioning time, only the hash is stored.
func GenerateSecret() (string, error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashSecret derives a storable hash in the form
// pbkdf2_sha256$<iterations>$<salt>$<digest> with url-safe base64 fields.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, secretSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := pbkdf2.Key([]byte(secret), salt, secretIterations, secretKeyBytes, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		secretScheme,
		secretIterations,
		base64.URLEncoding.EncodeToString(salt),
		base64.URLEncoding.EncodeToString(digest),
	), nil
}

// VerifySecret checks a presented secret against a stored hash in constant
// time. Malformed hashes verify as false, never as an error.
func VerifySecret(secret, storedHash string) bool {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 4 || parts[0] != secretScheme {
		return false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false
	}
	salt, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	expected, err := base64.URLEncoding.DecodeString(parts[3])
	if err != nil || len(expected) == 0 {
		return false
	}

	digest := pbkdf2.Key([]byte(secret), salt, iterations, len(expected), sha256.New)
	return hmac.Equal(digest, expected)
}
