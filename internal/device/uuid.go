package device

import (
	"fmt"

	"github.com/srg/atick/internal/bledb"
)

// NormalizeUUID is re-exported from bledb for convenience.
// It converts a UUID string to the internal BLE library format (lowercase, no dashes).
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs is re-exported from bledb for convenience.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if !isHexUUID(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// isHexUUID accepts 16-bit, 32-bit and 128-bit normalized forms.
func isHexUUID(s string) bool {
	switch len(s) {
	case 4, 8, 32:
	default:
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
