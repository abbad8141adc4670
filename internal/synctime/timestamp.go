// Package synctime implements the logical clock shared by the request
// pipeline and the storage backends. Timestamps are milliseconds since the
// Unix epoch truncated to 10ms so that the two-decimal seconds wire form
// round-trips exactly.
package synctime

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Resolution is the smallest step between two distinct timestamps.
const Resolution = 10 * time.Millisecond

const resolutionMillis = int64(Resolution / time.Millisecond)

// ErrInvalid is returned by Parse for values that are not non-negative
// decimal seconds.
var ErrInvalid = errors.New("synctime: invalid timestamp")

// Timestamp is a modification time in milliseconds since the Unix epoch. The
// zero value means "never modified".
type Timestamp int64

// FromTime converts t into a Timestamp, truncating to Resolution.
func FromTime(t time.Time) Timestamp {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return Timestamp(ms - ms%resolutionMillis)
}

// FromMillis truncates ms to Resolution.
func FromMillis(ms int64) Timestamp {
	if ms < 0 {
		return 0
	}
	return Timestamp(ms - ms%resolutionMillis)
}

// Now reads c and returns the current timestamp.
func Now(c Clock) Timestamp {
	if c == nil {
		c = Real{}
	}
	return FromTime(c.Now())
}

// Parse decodes decimal seconds ("1234.56", "1234", "1234.5678"). Digits past
// the second decimal are truncated. Negative, empty, or non-numeric values
// fail with ErrInvalid.
func Parse(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalid)
	}
	if strings.HasPrefix(raw, "-") {
		return 0, fmt.Errorf("%w: negative value %q", ErrInvalid, raw)
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" && !hasFrac {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	if whole == "" {
		whole = "0"
	}
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	var centis int64
	if hasFrac {
		if frac == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
		for _, r := range frac {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("%w: %q", ErrInvalid, raw)
			}
		}
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		centis, _ = strconv.ParseInt(frac, 10, 64)
	}
	if secs > (math.MaxInt64-centis*resolutionMillis)/1000 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalid, raw)
	}
	return Timestamp(secs*1000 + centis*resolutionMillis), nil
}

// Millis returns the raw millisecond value.
func (t Timestamp) Millis() int64 { return int64(t) }

// Seconds returns t as fractional seconds.
func (t Timestamp) Seconds() float64 { return float64(t) / 1000 }

// Time converts t back into a UTC time.Time.
func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)).UTC() }

// Next returns the smallest timestamp strictly greater than t.
func (t Timestamp) Next() Timestamp { return t + Timestamp(resolutionMillis) }

// IsZero reports whether t is the "never modified" timestamp.
func (t Timestamp) IsZero() bool { return t == 0 }

// String renders t as seconds with exactly two decimals.
func (t Timestamp) String() string {
	ms := int64(t)
	return fmt.Sprintf("%d.%02d", ms/1000, (ms%1000)/resolutionMillis)
}

// MarshalJSON encodes t as a JSON number with two decimals.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Max returns the larger of a and b.
func Max(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}
