// Package greybus implements the Greybus protocol engine: the driver
// registry, the in-flight operation table, and inbound/outbound dispatch.
// It is transport-agnostic; callers (the host-transport adapter, the
// simulator transport) supply a Sender for wherever a message needs to go
// next.
package greybus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gbridge/internal/check"
	"gbridge/internal/gberrors"
	"gbridge/internal/metrics"
	"gbridge/internal/wire"
)

// tracer emits one span per dispatched operation, named after the driver
// handling it, so a trace backend can show which CPort/driver/type combo
// an operation's time went to.
var tracer = otel.Tracer("gbridge/internal/greybus")

// Sender transmits a fully framed Greybus message on whatever channel an
// inbound message arrived on (back to the host, or out to a module).
type Sender interface {
	Send(msg []byte) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(msg []byte) error

func (f SenderFunc) Send(msg []byte) error { return f(msg) }

type driverKey struct {
	intf  uint8
	cport uint16
}

// Core owns the driver registry and the operation table. It replaces what
// would otherwise be global mutable state with a single context passed
// explicitly into every handler, so tests can construct a fresh instance
// per case.
type Core struct {
	log *slog.Logger

	driversMu sync.RWMutex
	drivers   map[driverKey]*Driver

	opMu    sync.Mutex
	ops     *operationTable
	nextID  uint32 // atomic, wraps mod 1<<16, 0 skipped
	mtu     uint16
}

// NewCore constructs an empty Core. mtu bounds inbound message sizes;
// pass 0 for wire.DefaultMTU.
func NewCore(log *slog.Logger, mtu uint16) *Core {
	if mtu == 0 {
		mtu = wire.DefaultMTU
	}
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		log:     log,
		drivers: make(map[driverKey]*Driver),
		ops:     newOperationTable(),
		mtu:     mtu,
	}
}

// RegisterDriver binds a driver to an (interface, CPort) slot. It fails
// with a *gberrors.ValidationError (classifying as gberrors.ErrInvalid) if
// the driver's handler table is not strictly increasing by type, or if the
// slot already holds a driver.
func (c *Core) RegisterDriver(intf uint8, cport uint16, d *Driver) error {
	if !d.sortedTypes() {
		return ErrDriverUnsorted
	}

	key := driverKey{intf: intf, cport: cport}

	c.driversMu.Lock()
	defer c.driversMu.Unlock()
	if _, exists := c.drivers[key]; exists {
		return &gberrors.ValidationError{
			Field:   "driver.slot",
			Message: fmt.Sprintf("interface %d cport %d already has a driver", intf, cport),
		}
	}
	c.drivers[key] = d
	return nil
}

// UnregisterDriver clears an (interface, CPort) slot, e.g. on bundle
// deactivate or interface teardown. It is a no-op if no driver is present.
func (c *Core) UnregisterDriver(intf uint8, cport uint16) {
	c.driversMu.Lock()
	defer c.driversMu.Unlock()
	delete(c.drivers, driverKey{intf: intf, cport: cport})
}

// HasDriver reports whether a driver is registered for (intf, cport).
// The host transport uses this to decide whether an inbound host frame on
// a non-zero CPort belongs to a locally understood protocol (dispatch
// through HandleInbound) or is relayed to a module through the routing
// fabric.
func (c *Core) HasDriver(intf uint8, cport uint16) bool {
	_, ok := c.driverFor(intf, cport)
	return ok
}

func (c *Core) driverFor(intf uint8, cport uint16) (*Driver, bool) {
	c.driversMu.RLock()
	defer c.driversMu.RUnlock()
	d, ok := c.drivers[driverKey{intf: intf, cport: cport}]
	return d, ok
}

// allocOperationID returns the next monotonic 16-bit operation id, skipping
// zero (id 0 is reserved).
func (c *Core) allocOperationID() uint16 {
	for {
		n := atomic.AddUint32(&c.nextID, 1)
		id := uint16(n)
		if id != 0 {
			return id
		}
	}
}

// AllocOperation builds a client-role Operation with a freshly allocated
// id, ready to be sent with SendRequest.
func (c *Core) AllocOperation(intf uint8, cport uint16, opType uint8, payload []byte) *Operation {
	return &Operation{
		ID:          c.allocOperationID(),
		Type:        opType,
		InterfaceID: intf,
		CPortID:     cport,
		Role:        RoleClient,
		Request:     payload,
	}
}

// SendRequest links op into the operation table and transmits it via
// sender. The operation remains pending until a matching response arrives
// through HandleInbound.
func (c *Core) SendRequest(op *Operation, sender Sender) error {
	msg := op.buildMessage(op.Type, 0, op.Request)
	op.sentAt = time.Now()

	c.opMu.Lock()
	c.ops.insert(op)
	c.opMu.Unlock()

	if err := sender.Send(msg); err != nil {
		c.opMu.Lock()
		c.ops.remove(op.CPortID, op.ID)
		c.opMu.Unlock()
		return err
	}
	return nil
}

// MTU returns the maximum accepted message size for this core.
func (c *Core) MTU() uint16 {
	return c.mtu
}

// PendingOperations reports how many operations are currently awaiting a
// response. Exposed for tests and metrics.
func (c *Core) PendingOperations() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.ops.len()
}

// HandleInbound is the protocol engine's single entry point: given the
// (interface, CPort) a raw message arrived on, it dispatches a request to
// its driver or correlates a response with its originating operation.
// sender is used to transmit any reply this call produces, on whichever
// channel the message arrived from.
func (c *Core) HandleInbound(intf uint8, cport uint16, msg []byte, sender Sender) error {
	if len(msg) < wire.HeaderSize {
		return fmt.Errorf("%w: message shorter than header", gberrors.ErrProtocol)
	}
	hdr := wire.UnpackHeader(msg)
	if hdr.Size > c.mtu {
		return fmt.Errorf("%w: message size %d exceeds mtu %d", gberrors.ErrProtocol, hdr.Size, c.mtu)
	}
	payload := msg[wire.HeaderSize:]

	driver, ok := c.driverFor(intf, cport)
	if !ok {
		c.log.Warn("no driver for cport, dropping", "interface", intf, "cport", cport, "type", hdr.Type)
		return nil
	}

	if hdr.IsResponse() {
		return c.handleResponse(driver, cport, hdr, payload)
	}
	return c.handleRequest(driver, intf, cport, hdr, payload, sender)
}

func (c *Core) handleResponse(driver *Driver, cport uint16, hdr wire.Header, payload []byte) error {
	c.opMu.Lock()
	op, ok := c.ops.remove(cport, hdr.OpID)
	c.opMu.Unlock()
	if !ok {
		c.log.Warn("no pending operation for response, dropping", "cport", cport, "op_id", hdr.OpID)
		return nil
	}

	op.response = append([]byte(nil), payload...)
	op.responded = true

	_, span := tracer.Start(context.Background(), driver.Name+".dispatch", trace.WithAttributes(
		attribute.Int("greybus.cport", int(cport)),
		attribute.Int("greybus.type", int(hdr.Type)),
		attribute.String("greybus.result", gberrors.Result(hdr.Result).String()),
	))
	defer span.End()

	// Dispatch keys on the raw wire type, response bit included: a
	// driver may register distinct request and response handlers for
	// the same base type (e.g. SVC's PROTOCOL_VERSION response vs. a
	// peer's PROTOCOL_VERSION request), since the two keys differ by
	// that bit.
	metrics.RecordOperation(driver.Name, gberrors.Result(hdr.Result).String(), time.Since(op.sentAt).Seconds())

	handler, ok := driver.dispatch(hdr.Type)
	if !ok || handler.Kind != KindReal || handler.Fn == nil {
		return nil
	}
	if err := handler.Fn(op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Core) handleRequest(driver *Driver, intf uint8, cport uint16, hdr wire.Header, payload []byte, sender Sender) error {
	start := time.Now()
	_, span := tracer.Start(context.Background(), driver.Name+".dispatch", trace.WithAttributes(
		attribute.Int("greybus.interface", int(intf)),
		attribute.Int("greybus.cport", int(cport)),
		attribute.Int("greybus.type", int(hdr.Type)),
	))
	defer span.End()

	op := &Operation{
		ID:          hdr.OpID,
		Type:        hdr.Type,
		InterfaceID: intf,
		CPortID:     cport,
		Role:        RoleServer,
		Request:     append([]byte(nil), payload...),
	}

	handler, found := driver.dispatch(hdr.Type)

	var err error
	switch {
	case !found:
		err = fmt.Errorf("%w: unregistered operation type %#x", gberrors.ErrProtocol, hdr.Type)
	case handler.Kind == KindUnsupported:
		err = fmt.Errorf("%w: unsupported operation type %#x", gberrors.ErrProtocol, hdr.Type)
	case handler.Kind == KindEmpty:
		// acknowledge synchronously, no handler body
	case handler.Kind == KindReal:
		check.Assertf(handler.Fn != nil, "real handler for type %#x has nil Fn", hdr.Type)
		err = handler.Fn(op)
	}

	result := gberrors.ToResult(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result.String())
	}
	span.SetAttributes(attribute.String("greybus.result", result.String()))
	metrics.RecordOperation(driver.Name, result.String(), time.Since(start).Seconds())
	respType := wire.ResponseType(hdr.Type)
	resp := op.buildMessage(respType, uint8(result), op.response)
	return sender.Send(resp)
}
