package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSizeDecimalAndBinaryUnits(t *testing.T) {
	cases := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"100B", 100},
		{"1KB", 1_000},
		{"1.5KB", 1_500},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"1MB", 1_000_000},
		{"1MiB", 1 << 20},
		{"512MB", 512_000_000},
		{"1GB", 1_000_000_000},
		{"2GiB", 2 * (1 << 30)},
		{"1TB", 1_000_000_000_000},
		{"1TiB", 1 << 40},
		{"1gb", 1_000_000_000},
		{"1GiB", 1 << 30},
		{" 100 MB ", 100_000_000},
	}
	for _, tc := range cases {
		got, err := ParseDataSize(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.expected, got, tc.input)
	}
}

func TestParseDataSizeErrors(t *testing.T) {
	for _, input := range []string{"", "invalid", "GB", "1XB", "-1GB"} {
		_, err := ParseDataSize(input)
		assert.Error(t, err, input)
	}
}

func TestParseDataSizeWithDefaultFallsBackOnEmptyOrInvalid(t *testing.T) {
	const fallback = int64(1_000_000_000)

	assert.Equal(t, fallback, ParseDataSizeWithDefault("", fallback))
	assert.Equal(t, fallback, ParseDataSizeWithDefault("not-a-size", fallback))
	assert.Equal(t, int64(512_000_000), ParseDataSizeWithDefault("512MB", fallback))
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatDataSize(0))
	assert.Equal(t, "0 B", FormatDataSize(-1))
	assert.Equal(t, "500 B", FormatDataSize(500))
	assert.Equal(t, "1.5 KB", FormatDataSize(1500))
	assert.Equal(t, "512.0 MB", FormatDataSize(512_000_000))
	assert.Equal(t, "2.0 GB", FormatDataSize(2_000_000_000))
}

func TestFormatDataSizeRoundTripsThroughParse(t *testing.T) {
	bytes, err := ParseDataSize("2GiB")
	require.NoError(t, err)
	formatted := FormatDataSize(bytes)
	assert.Contains(t, formatted, "GB")
}
