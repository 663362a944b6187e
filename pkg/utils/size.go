// Package utils holds the one parsing helper the config loader and the CLI
// need: turning a human-friendly file size limit ("512MB", "2GiB") into
// bytes, and back.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// unitMultipliers maps the suffixes MaxFileSize accepts to their byte
// multiplier. Decimal (KB/MB/GB/TB) and binary (KiB/MiB/GiB/TiB) units are
// both supported since users write either interchangeably; a bare number is
// treated as a byte count.
var unitMultipliers = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1_000,
	"MB": 1_000_000,
	"GB": 1_000_000_000,
	"TB": 1_000_000_000_000,

	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

// ParseDataSize parses a human-friendly size string like "512MB" or "2GiB"
// into a byte count. A plain integer is treated as bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected e.g. \"512MB\", \"2GiB\", or a byte count)", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	mult, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, m[2])
	}

	bytes := int64(value * float64(mult))
	if bytes < 0 {
		return 0, fmt.Errorf("invalid size %q: negative or overflowed", s)
	}
	return bytes, nil
}

// ParseDataSizeWithDefault parses s, returning def if s is empty or fails to
// parse. Config.MaxFileSize uses this so a malformed limit degrades to
// "unlimited" rather than failing config load outright.
func ParseDataSizeWithDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	bytes, err := ParseDataSize(s)
	if err != nil {
		return def
	}
	return bytes
}

// FormatDataSize renders bytes back into a human-friendly string, used by
// the status command to echo the configured limit.
func FormatDataSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(bytes)
	i := 0
	for value >= 1000 && i < len(units)-1 {
		value /= 1000
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", bytes, units[0])
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}
