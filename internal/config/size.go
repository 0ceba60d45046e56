package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size string like "25GB" or "1.5M" into
// bytes. Suffixes B, K/KB/KiB, M/MB/MiB, G/GB/GiB and T/TB/TiB are
// case-insensitive and all binary multiples. A plain number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40}, {"T", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	}

	mult := int64(1)
	numStr := s
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			mult = m.mult
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("missing number in size: %s", s)
	}

	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	bytes := n * float64(mult)
	if bytes > math.MaxInt64 || math.IsInf(bytes, 0) || math.IsNaN(bytes) {
		return 0, fmt.Errorf("size out of range: %s", s)
	}
	return int64(bytes), nil
}
