package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kb = 1024
	mb = 1024 * kb
	gb = 1024 * mb
)

// ParseBytes accepts sizes like "512", "64kb", "2m", "1.5GB".
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = kb
	case 'm':
		mult = mb
	case 'g':
		mult = gb
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// FormatBytes renders b with the largest unit that keeps it above one.
func FormatBytes(b uint64) string {
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	}
	return trimFloat(float64(b)/gb) + "gb"
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}
