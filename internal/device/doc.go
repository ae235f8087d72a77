// Package device provides the transport-agnostic Bluetooth Low Energy (BLE)
// abstractions the meter driver is written against.
//
// It covers:
//   - Dialing a peripheral by address and tearing the link down again
//   - GATT characteristic lookup within a service
//   - Characteristic read/write with per-operation timeouts
//   - Advertisement scanning
//   - Typed errors shared by every transport implementation
package device
