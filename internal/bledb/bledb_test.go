package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "2a26",
			expected: "2a26",
		},
		{
			name:     "16-bit with 0x prefix",
			input:    "0x2A26",
			expected: "2a26",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "00002a26-0000-1000-8000-00805f9b34fb",
			expected: "2a26",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "00002a2600001000800000805f9b34fb",
			expected: "2a26",
		},
		{
			name:     "Custom 128-bit UUID (not SIG base)",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
		{
			name:     "UUID with braces",
			input:    "{0000180a-0000-1000-8000-00805f9b34fb}",
			expected: "180a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Equal(t, []string{"2a24", "2a29"}, NormalizeUUIDs([]string{"2A24", "00002a29-0000-1000-8000-00805f9b34fb"}))
	assert.Empty(t, NormalizeUUIDs(nil))
}

func TestLookup(t *testing.T) {
	assert.Equal(t, "Device Information", LookupService("0000180a-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "Firmware Revision String", LookupCharacteristic("2A26"))
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("0x2902"))
	assert.Equal(t, "", LookupCharacteristic("ffff"))
}

func TestRegister(t *testing.T) {
	Register(Characteristic, "ABCDEF01-0000-1000-8000-0000000000AA", "Counters Value")
	Register(Service, "abcdef00-0000-1000-8000-0000000000aa", "Meter")

	assert.Equal(t, "Counters Value", LookupCharacteristic("abcdef01-0000-1000-8000-0000000000aa"))
	assert.Equal(t, "Counters Value", LookupCharacteristic("ABCDEF010000100080000000000000AA"))
	assert.Equal(t, "Meter", LookupService("{ABCDEF00-0000-1000-8000-0000000000AA}"))
}
