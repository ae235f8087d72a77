// Package bledb resolves well-known BLE UUIDs to human-readable names.
//
// Only the entries a water-meter driver ever touches are carried here: the
// Device Information Service characteristics and the GAP/GATT basics. Vendor
// UUIDs can be registered at runtime with Register so that log fields and CLI
// output show "Counters Value" instead of a 128-bit hex string.
package bledb

import (
	"strings"
	"sync"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "00001000800000805f9b34fb"

// BLEType is the category of a registered UUID.
type BLEType string

const (
	Service        BLEType = "Service"
	Characteristic BLEType = "Characteristic"
	Descriptor     BLEType = "Descriptor"
)

var (
	mu sync.RWMutex

	services = map[string]string{
		"1800": "Generic Access",
		"1801": "Generic Attribute",
		"180a": "Device Information",
		"180f": "Battery Service",
	}

	characteristics = map[string]string{
		"2a00": "Device Name",
		"2a19": "Battery Level",
		"2a24": "Model Number String",
		"2a25": "Serial Number String",
		"2a26": "Firmware Revision String",
		"2a27": "Hardware Revision String",
		"2a28": "Software Revision String",
		"2a29": "Manufacturer Name String",
	}

	descriptors = map[string]string{
		"2901": "Characteristic User Description",
		"2902": "Client Characteristic Configuration",
	}
)

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Braces and a 0x prefix are stripped. Full 128-bit UUIDs in the Bluetooth SIG base
// format collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.Trim(s, "{}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// Register adds or replaces a name for a UUID of the given type.
func Register(kind BLEType, uuid, name string) {
	mu.Lock()
	defer mu.Unlock()

	switch kind {
	case Service:
		services[NormalizeUUID(uuid)] = name
	case Characteristic:
		characteristics[NormalizeUUID(uuid)] = name
	case Descriptor:
		descriptors[NormalizeUUID(uuid)] = name
	}
}

// LookupService returns the known name of a service, or "" if unknown.
func LookupService(uuid string) string {
	return lookup(services, uuid)
}

// LookupCharacteristic returns the known name of a characteristic, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return lookup(characteristics, uuid)
}

// LookupDescriptor returns the known name of a descriptor, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return lookup(descriptors, uuid)
}

func lookup(table map[string]string, uuid string) string {
	mu.RLock()
	defer mu.RUnlock()
	return table[NormalizeUUID(uuid)]
}
