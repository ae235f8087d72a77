package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/bledb"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/groutine"
)

// BLEService represents a discovered GATT service and its characteristics
type BLEService struct {
	uuid            string
	knownName       string
	Characteristics map[string]*BLECharacteristic
}

func (s *BLEService) UUID() string      { return s.uuid }
func (s *BLEService) KnownName() string { return s.knownName }

// BLEConnection represents a live BLE connection
type BLEConnection struct {
	address    string
	client     ble.Client
	logger     *logrus.Logger
	writeMutex sync.Mutex
	connMutex  sync.RWMutex
	connected  bool

	services map[string]*BLEService

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newBLEConnection(ctx context.Context, address string, client ble.Client, logger *logrus.Logger) (*BLEConnection, error) {
	c := &BLEConnection{
		address:      address,
		client:       client,
		logger:       logger,
		services:     make(map[string]*BLEService),
		disconnected: make(chan struct{}),
	}

	logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	totalChars := 0
	for _, bleSvc := range profile.Services {
		svcRawUUID := bleSvc.UUID.String()
		svcUUID := device.NormalizeUUID(svcRawUUID)
		svc := &BLEService{
			uuid:            svcUUID,
			knownName:       bledb.LookupService(svcRawUUID),
			Characteristics: make(map[string]*BLECharacteristic, len(bleSvc.Characteristics)),
		}
		for _, bleChar := range bleSvc.Characteristics {
			char := newCharacteristic(bleChar, c)
			svc.Characteristics[char.uuid] = char
			totalChars++
		}
		c.services[svcUUID] = svc
	}

	c.connected = true

	// CoreBluetooth and HCI both report link loss through Disconnected()
	groutine.Go(ctx, "ble-connection-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			c.connMutex.Lock()
			wasConnected := c.connected
			c.connected = false
			c.connMutex.Unlock()
			if wasConnected {
				c.logger.WithField("address", c.address).Warn("Peripheral reported disconnection")
			}
			c.markDisconnected()
		case <-c.disconnected:
		}
	})

	logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(c.services),
		"characteristics": totalChars,
	}).Info("BLE device connected successfully")
	return c, nil
}

func (c *BLEConnection) Address() string {
	return c.address
}

// GetCharacteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup (lowercase, no dashes).
// Returns a NotFoundError if the service or characteristic is not found.
func (c *BLEConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	char, ok := svc.Characteristics[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.connected
}

func (c *BLEConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Disconnect cancels the link. Calling it on a closed connection is a no-op.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil {
		c.connMutex.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	client := c.client
	c.client = nil
	c.connected = false
	c.connMutex.Unlock()

	defer c.markDisconnected()

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")
	if err := client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	c.logger.WithField("address", c.address).Info("BLE device disconnected successfully")
	return nil
}

func (c *BLEConnection) markDisconnected() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

// snapshotClient returns the live client or ErrNotConnected.
func (c *BLEConnection) snapshotClient() (ble.Client, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	if !c.isConnectedInternal() {
		return nil, device.ErrNotConnected
	}
	return c.client, nil
}
