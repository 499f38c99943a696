package obd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-diag/common"
)

func TestDecodeDTC(t *testing.T) {
	tests := []struct {
		a, b     byte
		expected string
	}{
		{0x01, 0x71, "P0171"},
		{0x03, 0x01, "P0301"},
		{0x04, 0x20, "P0420"},
		{0x41, 0x23, "C0123"},
		{0x90, 0x00, "B1000"},
		{0xC1, 0x00, "U0100"},
		{0x00, 0x00, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, DecodeDTC(tt.a, tt.b), "bytes %02X %02X", tt.a, tt.b)
	}
}

func TestDTCRoundTrip(t *testing.T) {
	for _, code := range []string{"P0171", "P0300", "C0035", "B1000", "U0100", "P3FFF", "U3A2B"} {
		t.Run(code, func(t *testing.T) {
			pair, err := EncodeDTC(code)
			require.NoError(t, err)
			assert.Equal(t, code, DecodeDTC(pair[0], pair[1]))
		})
	}

	// Обратное направление по всем парам со старшим байтом 0x00..0xFF
	for a := 0; a < 256; a++ {
		for _, b := range []byte{0x00, 0x01, 0x7F, 0xFF} {
			if a == 0 && b == 0 {
				continue
			}
			code := DecodeDTC(byte(a), b)
			pair, err := EncodeDTC(code)
			require.NoError(t, err)
			assert.Equal(t, [2]byte{byte(a), b}, pair)
		}
	}
}

func TestEncodeDTCInvalid(t *testing.T) {
	for _, code := range []string{"", "P017", "X0171", "P4171", "P01G1"} {
		_, err := EncodeDTC(code)
		assert.ErrorIs(t, err, common.ErrParse, "code %q", code)
	}
}

func TestParseDTCList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []DecodedDTC
	}{
		{
			name: "legacy single line",
			raw:  "43 01 71 03 01 00 00\r\r>",
			expected: []DecodedDTC{
				{Code: "P0171", Status: common.DTCActive},
				{Code: "P0301", Status: common.DTCActive},
			},
		},
		{
			name: "unspaced",
			raw:  "430171030100 00\r>",
			expected: []DecodedDTC{
				{Code: "P0171", Status: common.DTCActive},
				{Code: "P0301", Status: common.DTCActive},
			},
		},
		{
			name: "CAN single frame with count byte",
			raw:  "43 02 01 71 03 01\r\r>",
			expected: []DecodedDTC{
				{Code: "P0171", Status: common.DTCActive},
				{Code: "P0301", Status: common.DTCActive},
			},
		},
		{
			name: "CAN multi frame",
			raw:  "00A\r0: 43 04 01 71 03 01\r1: 04 20 01 28 00 00 00\r\r>",
			expected: []DecodedDTC{
				{Code: "P0171", Status: common.DTCActive},
				{Code: "P0301", Status: common.DTCActive},
				{Code: "P0420", Status: common.DTCActive},
				{Code: "P0128", Status: common.DTCActive},
			},
		},
		{
			name: "pending codes",
			raw:  "SEARCHING...\r47 01 04 42\r>",
			expected: []DecodedDTC{
				{Code: "P0442", Status: common.DTCPending},
			},
		},
		{
			name: "two ECUs report same code",
			raw:  "43 01 71 00 00 00 00\r43 01 71 00 00 00 00\r>",
			expected: []DecodedDTC{
				{Code: "P0171", Status: common.DTCActive},
			},
		},
		{
			name:     "no data",
			raw:      "NO DATA\r\r>",
			expected: []DecodedDTC{},
		},
		{
			name:     "CAN zero count",
			raw:      "43 00\r>",
			expected: []DecodedDTC{},
		},
		{
			name:     "all zero payload",
			raw:      "43 00 00 00 00 00 00\r>",
			expected: []DecodedDTC{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := ParseDTCList([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, codes)
		})
	}
}

func TestParseDTCListMalformed(t *testing.T) {
	for _, raw := range []string{"", "?\r>", "41 0C 1A F8\r>"} {
		_, err := ParseDTCList([]byte(raw))
		assert.ErrorIs(t, err, common.ErrParse, "raw %q", raw)
	}
}

func TestParseClearAck(t *testing.T) {
	assert.True(t, ParseClearAck([]byte("44\r\r>")))
	assert.True(t, ParseClearAck([]byte("SEARCHING...\r44\r>")))
	assert.False(t, ParseClearAck([]byte("NO DATA\r>")))
	assert.False(t, ParseClearAck([]byte("?\r>")))
}

func TestParseVIN(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "CAN multi frame",
			raw:  "014\r0: 49 02 01 31 44 34\r1: 47 50 30 30 52 35 35\r2: 42 31 32 33 34 35 36\r\r>",
		},
		{
			name: "legacy lines",
			raw: "49 02 01 00 00 00 31\r49 02 02 44 34 47 50\r49 02 03 30 30 52 35\r" +
				"49 02 04 35 42 31 32\r49 02 05 33 34 35 36\r\r>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vin, err := ParseVIN([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, "1D4GP00R55B123456", vin)
		})
	}

	_, err := ParseVIN([]byte("NO DATA\r>"))
	assert.ErrorIs(t, err, common.ErrParse)

	_, err = ParseVIN([]byte("49 02 01 31 32\r>"))
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestParseAdapterInfo(t *testing.T) {
	v, err := ParseVoltage([]byte("12.4V\r\r>"))
	require.NoError(t, err)
	assert.InDelta(t, 12.4, v, 0.001)

	_, err = ParseVoltage([]byte("?\r>"))
	assert.ErrorIs(t, err, common.ErrParse)

	assert.Equal(t, "ELM327 v1.5", ParseVersion([]byte("ATZ\r\r\rELM327 v1.5\r\r>")))
	assert.Equal(t, "Auto, ISO 15765-4 CAN (11 bit ID, 500 kbaud)", ProtocolName([]byte("A6\r>")))
	assert.Equal(t, "ISO 9141-2 (5 baud init, 10.4 kbaud)", ProtocolName([]byte("3\r>")))
	assert.Equal(t, "Unknown", ProtocolName([]byte("?\r>")))
}

func TestParseSupportedPIDs(t *testing.T) {
	// BE 1F A8 13: 01,03-07,0C-10,11,13,15,1C,1F,20
	supported, err := ParseSupportedPIDs([]byte("41 00 BE 1F A8 13\r>"))
	require.NoError(t, err)

	for _, pid := range []string{"01", "03", "04", "05", "06", "07", "0C", "0D", "0E", "0F", "10", "11", "13", "15", "1C", "1F", "20"} {
		assert.True(t, supported[pid], "PID %s should be supported", pid)
	}
	for _, pid := range []string{"02", "08", "0A", "0B", "2F"} {
		assert.False(t, supported[pid], "PID %s should not be supported", pid)
	}

	_, err = ParseSupportedPIDs([]byte("NO DATA\r>"))
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestEncodeSupportedPIDs(t *testing.T) {
	bitmap := EncodeSupportedPIDs(0x00, []string{"01", "03", "04", "05", "06", "07", "0C", "0D", "0E", "0F", "10", "11", "13", "15", "1C", "1F", "20"})
	assert.Equal(t, []byte{0xBE, 0x1F, 0xA8, 0x13}, bitmap)

	bitmap = EncodeSupportedPIDs(0x20, []string{"0C", "21", "2F", "33", "40"})
	supported, err := ParseSupportedPIDs([]byte("41 20 " + fmt.Sprintf("% X", bitmap) + "\r>"))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"21": true, "2F": true, "33": true, "40": true}, supported)
}
