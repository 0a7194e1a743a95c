package util

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	passwordLower   = "abcdefghijklmnopqrstuvwxyz"
	passwordUpper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	passwordDigits  = "0123456789"
	passwordSpecial = "!@#$%^&*()-_+=<>?"

	// MinPasswordLength is the shortest password GeneratePassword will produce.
	MinPasswordLength = 16
)

var (
	allowedRandomChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")

	passwordClasses = []string{passwordLower, passwordUpper, passwordDigits, passwordSpecial}
	passwordAll     = passwordLower + passwordUpper + passwordDigits + passwordSpecial
)

// ErrPasswordTooShort is returned when a password shorter than MinPasswordLength is requested.
var ErrPasswordTooShort = errors.New("password length below minimum")

func RandomChars(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(allowedRandomChars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(allowedRandomChars[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// GeneratePassword returns a random password of the given length containing
// at least one lowercase letter, uppercase letter, digit and special
// character. The guaranteed characters are shuffled into random positions.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", fmt.Errorf("%w: %d < %d", ErrPasswordTooShort, length, MinPasswordLength)
	}

	out := make([]byte, 0, length)
	for _, class := range passwordClasses {
		c, err := randomFrom(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randomFrom(passwordAll)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates.
	for i := len(out) - 1; i > 0; i-- {
		j, err := RandomIntn(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// HasPasswordClasses reports whether s contains every character class that
// GeneratePassword guarantees.
func HasPasswordClasses(s string) bool {
	for _, class := range passwordClasses {
		if !strings.ContainsAny(s, class) {
			return false
		}
	}
	return true
}

func randomFrom(alphabet string) (byte, error) {
	idx, err := RandomIntn(len(alphabet))
	if err != nil {
		return 0, fmt.Errorf("generating password character: %w", err)
	}
	return alphabet[idx], nil
}
