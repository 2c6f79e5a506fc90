// Package serial implements the UART module transport: a single
// interface reachable over one serial device, every CPort multiplexed
// onto that one byte stream via the header pad trick, mirroring the
// reference implementation's UART controller.
package serial

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/daedaluz/goserial"

	"gbridge/internal/metrics"
	"gbridge/internal/routing"
	"gbridge/internal/wire"
)

// Controller bridges one serial device to the routing fabric. Unlike
// Bluetooth/TCP-IP, there is no discovery phase: the device node is
// fixed at startup and the single attached interface is hotplugged once
// the port opens successfully.
type Controller struct {
	log    *slog.Logger
	fabric *routing.Fabric
	device string
	baud   int

	mu   sync.Mutex
	port io.ReadWriteCloser

	intfID uint8
}

// New builds a serial controller for the given device path and baud rate.
func New(log *slog.Logger, fabric *routing.Fabric, device string, baud int) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if baud == 0 {
		baud = 115200
	}
	return &Controller{log: log, fabric: fabric, device: device, baud: baud}
}

func (c *Controller) Name() string { return "serial" }

// Open opens the serial device, hotplugs its interface, and starts the
// dedicated reader goroutine. Call once at startup.
func (c *Controller) Open() error {
	port, err := serial.Open(c.device, serial.WithBaudrate(c.baud))
	if err != nil {
		return fmt.Errorf("open %s: %w", c.device, err)
	}
	c.port = port

	// The reference implementation hardcodes vendor/product/serial ids
	// for its UART controller; this bridge has no better source either,
	// since a bare UART carries no device identity of its own.
	intf, err := c.fabric.CreateInterface(c, 1, 1, 1)
	if err != nil {
		port.Close()
		return fmt.Errorf("hotplug serial interface: %w", err)
	}
	c.intfID = intf.ID

	go c.readLoop()
	return nil
}

// Close releases the underlying serial port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	return c.port.Close()
}

// Write implements routing.Controller: pack the module CPort id into the
// pad field before writing onto the shared byte stream.
func (c *Controller) Write(conn *routing.Connection, msg []byte) error {
	if err := wire.PackCPort(msg, conn.ModuleCPort); err != nil {
		return err
	}
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return fmt.Errorf("serial: port not open")
	}
	_, err := port.Write(msg)
	if err != nil {
		metrics.RecordTransportError("serial", "write")
	}
	return err
}

func (c *Controller) readLoop() {
	for {
		c.mu.Lock()
		port := c.port
		c.mu.Unlock()
		if port == nil {
			return
		}

		msg, _, err := wire.ReadMessage(port, 0)
		if err != nil {
			metrics.RecordTransportError("serial", "read")
			c.log.Debug("serial port closed", "device", c.device, "err", err)
			return
		}
		cport, err := wire.UnpackCPort(msg)
		if err != nil {
			continue
		}
		if err := c.fabric.ForwardToHost(c.intfID, cport, msg); err != nil {
			c.log.Warn("failed to forward serial frame to host", "err", err)
		}
	}
}
