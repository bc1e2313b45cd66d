package config

import (
	"fmt"
	"strconv"
	"strings"
)

var bandwidthUnits = map[byte]uint64{
	'k': 1_000,
	'm': 1_000_000,
	'g': 1_000_000_000,
}

// ParseBandwidth converts a rate such as "20m", "10Mbit" or "1.5kbps" to
// bits per second using SI multipliers, the way iperf3 and tc read them.
// A bare number is rejected unless it is zero.
func ParseBandwidth(s string) (uint64, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for _, suffix := range []string{"bps", "bit"} {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok && trimmed != "" {
			s = trimmed
			break
		}
	}

	mult, ok := bandwidthUnits[s[len(s)-1]]
	if !ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("bandwidth needs a k/m/g unit: %q", raw)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("bandwidth cannot be negative: %q", raw)
	}
	return uint64(value * float64(mult)), nil
}

// FormatBandwidth renders bits per second with the largest unit that keeps
// the value at or above one.
func FormatBandwidth(bps uint64) string {
	switch {
	case bps >= 1_000_000_000:
		return strconv.FormatFloat(float64(bps)/1e9, 'f', -1, 64) + "Gbps"
	case bps >= 1_000_000:
		return strconv.FormatFloat(float64(bps)/1e6, 'f', -1, 64) + "Mbps"
	case bps >= 1_000:
		return strconv.FormatFloat(float64(bps)/1e3, 'f', -1, 64) + "Kbps"
	default:
		return strconv.FormatUint(bps, 10) + "bps"
	}
}
