// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// RetryAfterSeconds interprets a Retry-After header value, either delta
// seconds or an HTTP date relative to now. It returns def when the value is
// missing or unparsable and never returns a negative number.
func RetryAfterSeconds(v string, now time.Time, def int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if n := AtoiDefault(v, -1); n >= 0 {
		return n
	}
	if at, err := http.ParseTime(v); err == nil {
		secs := int(at.Sub(now).Round(time.Second) / time.Second)
		if secs < 0 {
			return 0
		}
		return secs
	}
	return def
}
