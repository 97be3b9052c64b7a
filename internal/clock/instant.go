package clock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedInstant is returned when a timestamp cannot be normalized.
var ErrMalformedInstant = errors.New("malformed instant")

// Instant is a point in time as epoch milliseconds.
type Instant int64

// FromTime converts t to an Instant.
func FromTime(t time.Time) Instant {
	return Instant(t.UnixMilli())
}

// Time converts the Instant back to a UTC time.Time.
func (i Instant) Time() time.Time {
	return time.UnixMilli(int64(i)).UTC()
}

// MarshalJSON writes the Instant as a plain epoch-millisecond number.
func (i Instant) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(i), 10)), nil
}

// UnmarshalJSON accepts every representation ParseInstant understands.
func (i *Instant) UnmarshalJSON(data []byte) error {
	v, err := ParseInstant(json.RawMessage(data))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// timestampObject covers the structured timestamp shapes seen from document
// store SDKs ({"seconds","nanoseconds"} and the underscored REST variant).
type timestampObject struct {
	Seconds      *int64 `json:"seconds"`
	Nanoseconds  int64  `json:"nanoseconds"`
	USeconds     *int64 `json:"_seconds"`
	UNanoseconds int64  `json:"_nanoseconds"`
}

// ParseInstant normalizes a raw timestamp into an Instant. Supported inputs:
// epoch-millisecond numbers, numeric strings, RFC3339 strings, time.Time, and
// structured {seconds, nanoseconds} objects. Everything else is rejected with
// ErrMalformedInstant.
func ParseInstant(raw any) (Instant, error) {
	switch v := raw.(type) {
	case Instant:
		return v, nil
	case time.Time:
		if v.IsZero() {
			return 0, fmt.Errorf("%w: zero time", ErrMalformedInstant)
		}
		return FromTime(v), nil
	case int64:
		return Instant(v), nil
	case int:
		return Instant(v), nil
	case float64:
		return fromFloat(v)
	case json.Number:
		return parseNumeric(v.String())
	case string:
		return parseString(v)
	case json.RawMessage:
		return parseRaw(v)
	case []byte:
		return parseRaw(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedInstant, err)
		}
		return parseObject(data)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformedInstant, raw)
	}
}

func parseRaw(data []byte) (Instant, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, fmt.Errorf("%w: empty value", ErrMalformedInstant)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedInstant, err)
		}
		return parseString(s)
	case '{':
		return parseObject(data)
	default:
		return parseNumeric(string(data))
	}
}

func parseObject(data []byte) (Instant, error) {
	var obj timestampObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedInstant, err)
	}
	switch {
	case obj.Seconds != nil:
		return Instant(*obj.Seconds*1000 + obj.Nanoseconds/int64(time.Millisecond)), nil
	case obj.USeconds != nil:
		return Instant(*obj.USeconds*1000 + obj.UNanoseconds/int64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("%w: object without seconds", ErrMalformedInstant)
	}
}

func parseString(s string) (Instant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrMalformedInstant)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FromTime(t), nil
	}
	return parseNumeric(s)
}

func parseNumeric(s string) (Instant, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Instant(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedInstant, s)
	}
	return fromFloat(f)
}

func fromFloat(f float64) (Instant, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v out of range", ErrMalformedInstant, f)
	}
	return Instant(int64(f)), nil
}
