// Package validate provides input validation for theme documents and
// request parameters accepted by the fanthemes API.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	namePattern   = regexp.MustCompile(`^[^<>\p{Cc}]+$`)
	effectPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool
	TrimSpace      bool
}

// String validates s against constraints and returns the (optionally trimmed) value.
func String(s string, c StringConstraints) (string, error) {
	if c.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		if !c.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	length := utf8.RuneCountInString(s)
	if c.MinLength > 0 && length < c.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, c.MinLength)
	}
	if c.MaxLength > 0 && length > c.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, c.MaxLength)
	}
	if c.AllowedPattern != nil && !c.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// ThemeName validates a theme display name: 1-80 characters with no markup
// or control characters.
func ThemeName(name string) (string, error) {
	return String(name, StringConstraints{
		MinLength:      1,
		MaxLength:      80,
		AllowedPattern: namePattern,
		TrimSpace:      true,
	})
}

// DocID validates an identifier used as a single document path segment
// (theme ids, uids, client ids).
func DocID(id string) (string, error) {
	return String(id, StringConstraints{MinLength: 1, MaxLength: 128, AllowedPattern: idPattern})
}

// EffectTag validates an ambient-effect tag such as "snow" or "falling-leaves".
// Empty means no effect.
func EffectTag(tag string) (string, error) {
	return String(strings.ToLower(tag), StringConstraints{
		MaxLength:      32,
		AllowedPattern: effectPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}
