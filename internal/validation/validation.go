package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
	ErrCityEmpty = errors.New("city is required")

	ErrCityTooShort     = errors.New("city too short")
	ErrCityTooLong      = errors.New("city too long")
	ErrCityInvalidChars = errors.New("city contains invalid characters")

	// ErrTooManyCities is returned when compare_locations lists more cities than allowed.
	ErrTooManyCities = errors.New("too many comparison cities")
)

// ValidateCity trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters (Unicode), digits, space and the punctuation found in
// real place names: , - . ' ( ) /. Returns the trimmed string; case is preserved.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCityEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'', '(', ')', '/':
		return true
	}
	return false
}

// SplitCityList splits a comma-separated list of cities. Blank entries are dropped.
func SplitCityList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidateCityList validates each entry with ValidateCity, skipping blanks.
// maxItems <= 0 means no limit. The error names the offending entry.
func ValidateCityList(cities []string, maxItems, minLen, maxLen int) ([]string, error) {
	out := make([]string, 0, len(cities))
	for _, c := range cities {
		if strings.TrimSpace(c) == "" {
			continue
		}
		v, err := ValidateCity(c, minLen, maxLen)
		if err != nil {
			return nil, fmt.Errorf("compare location %q: %w", c, err)
		}
		out = append(out, v)
	}
	if maxItems > 0 && len(out) > maxItems {
		return nil, fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManyCities, len(out), maxItems)
	}
	return out, nil
}
