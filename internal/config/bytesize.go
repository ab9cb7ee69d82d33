package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "64MB" = 64 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "5242880" = 5242880 bytes
type ByteSize int64

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// byteUnits is ordered longest suffix first so "MB" wins over "B".
var byteUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"GIB", gib}, {"MIB", mib}, {"KIB", kib},
	{"GB", gib}, {"MB", mib}, {"KB", kib},
	{"G", gib}, {"M", mib}, {"K", kib},
	{"B", 1},
}

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	multiplier := 1.0
	for _, u := range byteUnits {
		if strings.HasSuffix(trimmed, u.suffix) {
			multiplier = u.multiplier
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, u.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %q: negative", s)
	}
	return ByteSize(n * multiplier), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns the size using the largest unit that divides it exactly.
func (b ByteSize) String() string {
	switch {
	case b != 0 && b%gib == 0:
		return fmt.Sprintf("%dGB", b/gib)
	case b != 0 && b%mib == 0:
		return fmt.Sprintf("%dMB", b/mib)
	case b != 0 && b%kib == 0:
		return fmt.Sprintf("%dKB", b/kib)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}
