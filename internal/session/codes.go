package session

import (
	"errors"
	"math/rand/v2"
	"strings"
)

const (
	CodeLength   = 4
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func GenerateCode(rng *rand.Rand) string {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}

	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = CodeAlphabet[intN(len(CodeAlphabet))]
	}
	return string(code)
}

func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return errors.New("Game code must be exactly 4 characters")
	}

	for _, ch := range NormalizeCode(code) {
		if !strings.ContainsRune(CodeAlphabet, ch) {
			return errors.New("Game code must contain only letters A-Z and digits 0-9")
		}
	}

	return nil
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
