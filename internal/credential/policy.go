package credential

import (
	"strings"
	"unicode"
)

const (
	minLength = 8
	maxLength = 128
)

// symbolSet is the accepted special-character alphabet.
const symbolSet = "!@#$%^&*()-_=+[]{};:,.<>?/|~"

// blockList holds secrets rejected outright regardless of composition.
var blockList = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"iloveyou":    {},
	"admin123":    {},
	"letmein":     {},
	"welcome1":    {},
	"sunshine":    {},
	"dragon123":   {},
}

// keyboardRuns are lowercase fragments treated as trivial sequences.
var keyboardRuns = []string{"qwerty", "asdfgh", "zxcvbn"}

// ValidatePolicy checks a candidate secret against the password policy and
// returns the list of violations; an empty list means the secret is accepted.
func ValidatePolicy(secret string) []string {
	var violations []string

	if len(secret) < minLength {
		violations = append(violations, "secret must be at least 8 characters")
	}
	if len(secret) > maxLength {
		violations = append(violations, "secret must be at most 128 characters")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbolSet, r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		violations = append(violations, "secret must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "secret must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "secret must contain a digit")
	}
	if !hasSymbol {
		violations = append(violations, "secret must contain a symbol")
	}

	lowered := strings.ToLower(secret)
	if _, blocked := blockList[lowered]; blocked {
		violations = append(violations, "secret is on the common-password block list")
	}
	if hasTrivialSequence(lowered) {
		violations = append(violations, "secret contains a trivial sequence")
	}

	return violations
}

// hasTrivialSequence detects runs of three or more consecutive characters
// ("123", "abc") and known keyboard walks.
func hasTrivialSequence(lowered string) bool {
	for _, run := range keyboardRuns {
		if strings.Contains(lowered, run[:4]) {
			return true
		}
	}
	runes := []rune(lowered)
	for i := 0; i+2 < len(runes); i++ {
		a, b, c := runes[i], runes[i+1], runes[i+2]
		if !isSequencable(a) || !isSequencable(b) || !isSequencable(c) {
			continue
		}
		if b == a+1 && c == b+1 {
			return true
		}
	}
	return false
}

func isSequencable(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')
}
