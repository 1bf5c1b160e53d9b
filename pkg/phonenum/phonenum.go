// Package phonenum canonicalizes Brazilian phone numbers into the
// international digit form the messaging transport expects.
package phonenum

import (
	"errors"
	"strings"
)

// countryCode is prepended to bare local-format numbers.
const countryCode = "55"

var (
	ErrEmpty    = errors.New("phonenum: empty number")
	ErrTooShort = errors.New("phonenum: number too short (missing area code?)")
	ErrTooLong  = errors.New("phonenum: number too long")
)

// Normalize returns the canonical international form of a destination number.
//
// Rules:
//   - non-digit characters are stripped
//   - 12/13 digits starting with the country code pass through unchanged
//   - 11 digits (area code + 9-digit mobile) get the country code prepended
//   - 10 digits (area code + legacy 8-digit number) get the country code
//     prepended and the mobile nine inserted after the area code
//   - anything else is rejected
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	d := digits(raw)
	if d == "" {
		return "", ErrEmpty
	}

	switch {
	case len(d) == 13 && strings.HasPrefix(d, countryCode):
		return d, nil
	case len(d) == 12 && strings.HasPrefix(d, countryCode):
		return d, nil
	case len(d) == 11:
		return countryCode + d, nil
	case len(d) == 10:
		// Legacy local number without the mobile nine: DD + 8 digits.
		return countryCode + d[:2] + "9" + d[2:], nil
	case len(d) < 10:
		return "", ErrTooShort
	default:
		return "", ErrTooLong
	}
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}
