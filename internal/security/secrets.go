package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
)

const (
	// MinSecretLength is the minimum length of a project signing secret.
	MinSecretLength = 48

	// MinEntropy is the minimum Shannon entropy, in bits per character.
	MinEntropy = 3.5

	generatedSecretBytes = 36
)

// placeholderWords never appear in a real secret; example configurations do
// contain them.
var placeholderWords = []string{"replace", "changeme", "topsecret", "password", "rollbox-api-secret"}

// ValidateSecret rejects project secrets that are short, look like a
// placeholder copied from an example configuration, or carry too little
// entropy to resist guessing.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	if lo.ContainsBy(placeholderWords, func(word string) bool { return strings.Contains(lower, word) }) {
		return fmt.Errorf("secret appears to be a placeholder value, generate one with 'rollbox secret'")
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f), use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret returns a random URL-safe secret of MinSecretLength
// characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// calculateEntropy computes the Shannon entropy of s per character.
func calculateEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	freq := lo.CountValues([]rune(s))
	n := float64(len([]rune(s)))

	var entropy float64
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
