package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// DefaultTemporaryLength is used for credential resets.
const DefaultTemporaryLength = 12

const maxGenerateAttempts = 5

// Ambiguous characters (I, l, O, 0, 1) are left out of the letter/digit pools
// since temporary secrets are read out to people.
const (
	upperPool  = "ABCDEFGHJKMNPQRSTUVWXYZ"
	lowerPool  = "abcdefghjkmnpqrstuvwxyz"
	digitPool  = "23456789"
	symbolPool = "!@#$%"
)

// GenerateTemporary draws a secret from a cryptographically secure source and
// retries until it satisfies the policy. One character of every required class
// is guaranteed up front; retries only cover the rare trivial-sequence hit.
// Exceeding the attempt bound indicates a policy/generator mismatch bug and
// fails loudly rather than returning a weaker secret.
func GenerateTemporary(length int) (string, error) {
	if length < minLength {
		length = DefaultTemporaryLength
	}
	if length > maxLength {
		return "", fmt.Errorf("credential: temporary length %d exceeds policy maximum", length)
	}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		secret, err := composeSecret(length)
		if err != nil {
			return "", err
		}
		if len(ValidatePolicy(secret)) == 0 {
			return secret, nil
		}
	}
	return "", errors.New("credential: temporary secret generation exhausted attempts; generator and policy disagree")
}

func composeSecret(length int) (string, error) {
	pools := []string{upperPool, lowerPool, digitPool, symbolPool}
	all := upperPool + lowerPool + digitPool + symbolPool

	out := make([]byte, 0, length)
	for _, pool := range pools {
		c, err := pickByte(pool)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := pickByte(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	if err := shuffle(out); err != nil {
		return "", err
	}
	return string(out), nil
}

func pickByte(pool string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return pool[n.Int64()], nil
}

// shuffle is a Fisher-Yates pass backed by crypto/rand.
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("read random: %w", err)
		}
		j := n.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}
