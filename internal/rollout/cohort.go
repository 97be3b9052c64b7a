// Package rollout assigns identities to staged-rollout cohorts.
//
// Assignment is a pure function of the identity string and the rollout
// percentage, so the same identity always lands on the same side and widening
// the rollout never removes anyone from it.
package rollout

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Bucket count used to map a hash onto a percentage.
const buckets = 100

// Hash computes a 32-bit rolling hash (h = h*31 + c) over the UTF-16 code
// units of identity. Overflow wraps.
func Hash(identity string) uint32 {
	var h uint32
	for _, unit := range utf16.Encode([]rune(identity)) {
		h = h*31 + uint32(unit)
	}
	return h
}

// Bucket returns the identity's position in [0, 100).
func Bucket(identity string) int {
	return int(Hash(identity) % buckets)
}

// InCohort reports whether identity is included in a rollout of percent.
// percent is clamped to [0, 100]: 0 includes nobody, 100 includes everybody.
func InCohort(identity string, percent int) bool {
	return Bucket(identity) < ClampPercent(percent)
}

// ClampPercent limits p to [0, 100].
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NormalizePercent converts a loosely-typed rollout value into a clamped
// percentage. Non-numeric or missing values yield 0.
func NormalizePercent(v any) int {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return ClampPercent(n)
	case int64:
		return clampFloat(float64(n))
	case float64:
		return clampFloat(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return clampFloat(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return clampFloat(f)
	default:
		return 0
	}
}

func clampFloat(f float64) int {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 100 {
		return 100
	}
	return int(f)
}
