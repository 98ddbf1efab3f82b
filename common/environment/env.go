// Package environment reads typed settings from environment variables.
//
// Each helper returns the parsed value, or the default when the variable is
// unset, empty or malformed. Validation of the resulting values belongs to
// config.Validate, which reports every problem at once.
package environment

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the variable with parse. Blank values and parse failures
// yield def.
func lookup[T any](name string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// StringOr returns the variable's value or def.
func StringOr(name, def string) string {
	return lookup(name, def, func(s string) (string, error) { return s, nil })
}

// BoolOr accepts anything strconv.ParseBool does.
func BoolOr(name string, def bool) bool {
	return lookup(name, def, strconv.ParseBool)
}

// IntOr parses a decimal integer.
func IntOr(name string, def int) int {
	return lookup(name, def, strconv.Atoi)
}

// Float64Or parses a floating point number.
func Float64Or(name string, def float64) float64 {
	return lookup(name, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// DurationOr parses a Go duration such as "30s" or "1h30m".
func DurationOr(name string, def time.Duration) time.Duration {
	return lookup(name, def, time.ParseDuration)
}

// StringSliceOr splits a comma-separated list, dropping blank elements. A
// list with no non-blank element yields def.
func StringSliceOr(name string, def []string) []string {
	out := lookup(name, []string(nil), func(s string) ([]string, error) {
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts, nil
	})
	if len(out) == 0 {
		return def
	}
	return out
}
