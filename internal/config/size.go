package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = map[string]int64{
	"":    1,
	"b":   1,
	"kb":  1000,
	"kib": 1 << 10,
	"mb":  1000 * 1000,
	"mib": 1 << 20,
	"gb":  1000 * 1000 * 1000,
	"gib": 1 << 30,
}

// ParseSize turns "10MB", "512KiB" or a plain byte count into bytes. An empty
// value yields defaultBytes.
func ParseSize(value string, defaultBytes int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultBytes, nil
	}
	split := strings.IndexFunc(value, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-' && r != '+'
	})
	if split < 0 {
		split = len(value)
	}
	number, unit := value[:split], strings.ToLower(strings.TrimSpace(value[split:]))

	multiplier, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("parse size %q: unknown unit %q", value, unit)
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("parse size %q: negative", value)
	}
	return int64(num * float64(multiplier)), nil
}
