package atick

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/device"
)

// RegisterAccessor reads and writes characteristics of the meter service.
// Every call goes through the ConnectionManager, so the caller never holds
// the transport connection itself.
type RegisterAccessor struct {
	conns   *ConnectionManager
	service string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewRegisterAccessor binds an accessor to service on the managed connection.
func NewRegisterAccessor(conns *ConnectionManager, service string, timeout time.Duration, logger *logrus.Logger) *RegisterAccessor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &RegisterAccessor{
		conns:   conns,
		service: device.NormalizeUUID(service),
		timeout: timeout,
		logger:  logger,
	}
}

// Read returns the raw characteristic value exactly as received.
func (a *RegisterAccessor) Read(ctx context.Context, char string) ([]byte, error) {
	var data []byte
	err := a.conns.WithConnection(ctx, func(conn device.Connection) error {
		c, err := conn.GetCharacteristic(a.service, char)
		if err != nil {
			return a.gattError(GattRead, char, err)
		}
		data, err = c.Read(a.timeout)
		if err != nil {
			return a.gattError(GattRead, char, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"service_uuid": a.service,
		"char_uuid":    device.NormalizeUUID(char),
		"bytes":        len(data),
	}).Debug("Register read")
	return data, nil
}

// Write sends data and waits for the peripheral to acknowledge it.
func (a *RegisterAccessor) Write(ctx context.Context, char string, data []byte) error {
	err := a.conns.WithConnection(ctx, func(conn device.Connection) error {
		c, err := conn.GetCharacteristic(a.service, char)
		if err != nil {
			return a.gattError(GattWrite, char, err)
		}
		if err := c.Write(data, true, a.timeout); err != nil {
			return a.gattError(GattWrite, char, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"service_uuid": a.service,
		"char_uuid":    device.NormalizeUUID(char),
		"bytes":        len(data),
	}).Debug("Register written")
	return nil
}

func (a *RegisterAccessor) gattError(op GattOp, char string, err error) error {
	return &GattError{
		Op:             op,
		Service:        a.service,
		Characteristic: device.NormalizeUUID(char),
		Err:            err,
	}
}
