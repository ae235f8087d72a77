// Package atick drives an aTick BLE water meter.
//
// Two update paths feed the same Device State:
//
//   - Passive: every received advertisement is run through Decode, which
//     recovers the two counters from the XOR-obfuscated manufacturer payload
//     using a key derived from the hardware address and the pairing PIN. The
//     candidate is stored only if ShouldAccept agrees. This path never blocks
//     and never fails.
//   - Active: ActiveFullUpdate connects through the ConnectionManager, reads
//     metadata and counters over GATT with the RegisterAccessor, and always
//     releases the link on the way out.
//
// NeedsActivePoll decides when the active path is worth its radio and battery cost.
package atick
