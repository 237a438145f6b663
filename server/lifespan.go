package server

import (
	"strconv"
)

// lifespanPresets maps the consent form's preset vocabulary to
// seconds, per §4.5.2. "never" (and anything unrecognized) means
// non-expiring.
var lifespanPresets = map[string]int64{
	"never": 0,
	"1d":    86400,
	"1w":    604800,
	"1m":    2678400,
}

// parseLifespan resolves a preset/custom pair from the consent form
// into seconds, or nil for "non-expiring". A missing or invalid value
// is treated as non-expiring rather than an error, per §4.5.2's
// "a missing/invalid lifespan means non-expiring".
func parseLifespan(preset, customSeconds string) *int64 {
	if preset == "custom" {
		n, err := strconv.ParseInt(customSeconds, 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		return &n
	}
	seconds, ok := lifespanPresets[preset]
	if !ok || seconds == 0 {
		return nil
	}
	return &seconds
}

func formatScope(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
