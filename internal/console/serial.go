package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// OpenSerial opens the console port in 8N1 mode.
func OpenSerial(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", portName, err)
	}
	return port, nil
}

// RunSerial serves commands on the named port until ctx is cancelled. The
// port is reopened after errors, such as a USB adapter being unplugged.
func (c *Console) RunSerial(ctx context.Context, portName string, baudRate int) {
	for {
		port, err := OpenSerial(portName, baudRate)
		if err != nil {
			c.logger.Warn("console port unavailable", "port", portName, "err", err)
		} else {
			c.logger.Info("console listening", "port", portName, "baud", baudRate)
			err = c.serveClosing(ctx, port)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("console port error", "port", portName, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// serveClosing runs Serve and closes port when ctx ends, which unblocks the
// pending read.
func (c *Console) serveClosing(ctx context.Context, port io.ReadWriteCloser) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()
	return c.Serve(ctx, port)
}
