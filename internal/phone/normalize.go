// Package phone canonicalizes Ghanaian phone numbers into +233 dialable form.
package phone

import (
	"regexp"
	"strings"
)

const (
	CountryCode  = "233"
	trunkPrefix  = "0"
	canonicalPfx = "+" + CountryCode
)

var canonicalRegex = regexp.MustCompile(`^\+233\d{9}$`)

var stripper = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "", "-", "")

// Normalize is total and idempotent. Input that matches none of the known
// shapes is returned stripped but otherwise unchanged; callers decide whether
// it is usable via IsValid.
func Normalize(raw string) string {
	s := stripper.Replace(raw)

	switch {
	case strings.HasPrefix(s, canonicalPfx):
		return s
	case strings.HasPrefix(s, trunkPrefix):
		return canonicalPfx + s[len(trunkPrefix):]
	case strings.HasPrefix(s, CountryCode):
		return "+" + s
	}
	return s
}

// IsValid reports whether s is a canonical Ghana mobile number.
func IsValid(s string) bool {
	return canonicalRegex.MatchString(s)
}

// Digits returns the number without the leading plus sign.
func Digits(s string) string {
	return strings.TrimPrefix(s, "+")
}

// Mask hides the middle of a number for logs: +233244123456 -> +23324****56.
func Mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:6] + "****" + s[len(s)-2:]
}
