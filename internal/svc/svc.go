package svc

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gbridge/internal/gberrors"
	"gbridge/internal/greybus"
)

// Router is the subset of the routing fabric SVC needs: creating and
// tearing down routes in response to the host's CONN_CREATE/CONN_DESTROY.
type Router interface {
	ConnectionCreate(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error
	ConnectionDestroy(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error
}

// state is the SVC bootstrap handshake's current step.
type state int32

const (
	stateInit state = iota
	stateWaitVersionResp
	stateWaitHelloResp
	stateReady
)

// watchdogPath is where the reference implementation disables the kernel's
// SVC watchdog once bootstrap completes. Best effort only: a simulated or
// test host has no such sysfs attribute.
const watchdogPath = "/sys/bus/greybus/devices/1-svc/watchdog"

// Driver owns the SVC CPort-0 handler table and bootstrap state machine.
type Driver struct {
	log    *slog.Logger
	core   *greybus.Core
	router Router
	host   greybus.Sender

	state state

	readyOnce sync.Once
	onReady   func()
}

// New builds the SVC driver. host is the Sender used for every SVC
// message (our own bootstrap requests, and responses to host requests);
// router resolves CONN_CREATE/CONN_DESTROY into the routing fabric.
func New(log *slog.Logger, core *greybus.Core, host greybus.Sender, router Router) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{log: log, core: core, router: router, host: host}
	return d
}

// OnReady registers a callback invoked exactly once, when the bootstrap
// handshake reaches READY.
func (d *Driver) OnReady(fn func()) {
	d.onReady = fn
}

// Register binds the SVC driver into core at (AP interface, CPort 0).
func (d *Driver) Register() error {
	return d.core.RegisterDriver(APInterfaceID, CPortID, d.buildDriver())
}

// Start kicks off the bootstrap handshake by sending PROTOCOL_VERSION.
// Call once the host transport is ready to receive.
func (d *Driver) Start() error {
	atomic.StoreInt32((*int32)(&d.state), int32(stateWaitVersionResp))
	op := d.core.AllocOperation(APInterfaceID, CPortID, TypeProtocolVersion, versionPayload(VersionMajor, VersionMinor))
	return d.core.SendRequest(op, d.host)
}

// ModuleInserted sends the SVC hotplug event upstream for a newly attached
// interface.
func (d *Driver) ModuleInserted(intfID uint8) error {
	op := d.core.AllocOperation(APInterfaceID, CPortID, TypeModuleInserted, moduleInsertedPayload(intfID, 1))
	return d.core.SendRequest(op, d.host)
}

func (d *Driver) sendHello() error {
	atomic.StoreInt32((*int32)(&d.state), int32(stateWaitHelloResp))
	op := d.core.AllocOperation(APInterfaceID, CPortID, TypeSVCHello, helloPayload(EndoID, APInterfaceID))
	return d.core.SendRequest(op, d.host)
}

func (d *Driver) markReady() {
	atomic.StoreInt32((*int32)(&d.state), int32(stateReady))
	d.readyOnce.Do(func() {
		disableHostWatchdog(d.log)
		if d.onReady != nil {
			d.onReady()
		}
	})
}

func disableHostWatchdog(log *slog.Logger) {
	f, err := os.OpenFile(watchdogPath, os.O_WRONLY, 0)
	if err != nil {
		log.Debug("watchdog sysfs attribute unavailable, skipping", "path", watchdogPath, "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write([]byte("0")); err != nil {
		log.Debug("failed to disable host watchdog", "err", err)
	}
}

func (d *Driver) buildDriver() *greybus.Driver {
	ok := func(op *greybus.Operation) error { return nil }

	return greybus.NewDriver("svc",
		// Requests from the host.
		greybus.Request(TypeIntfDeviceID, greybus.KindEmpty, nil),
		greybus.Request(TypeIntfReset, greybus.KindUnsupported, nil),
		greybus.Request(TypeConnCreate, greybus.KindReal, d.handleConnCreate),
		greybus.Request(TypeConnDestroy, greybus.KindReal, d.handleConnDestroy),
		greybus.Request(TypeDMEPeerGet, greybus.KindReal, d.handleDMEPeerGet),
		greybus.Request(TypeDMEPeerSet, greybus.KindReal, d.handleDMEPeerSet),
		greybus.Request(TypeRouteCreate, greybus.KindEmpty, nil),
		greybus.Request(TypeRouteDestroy, greybus.KindEmpty, nil),
		greybus.Request(TypeTimesyncEnable, greybus.KindUnsupported, nil),
		greybus.Request(TypeTimesyncDisable, greybus.KindUnsupported, nil),
		greybus.Request(TypeTimesyncAuthoritative, greybus.KindUnsupported, nil),
		greybus.Request(TypeIntfSetPwrm, greybus.KindReal, d.handleIntfSetPwrm),
		greybus.Request(TypeIntfEject, greybus.KindUnsupported, nil),
		greybus.Request(TypePing, greybus.KindReal, ok),
		greybus.Request(TypePwrmonRailCountGet, greybus.KindReal, d.handlePwrmonRailCountGet),
		greybus.Request(TypePwrmonRailNamesGet, greybus.KindUnsupported, nil),
		greybus.Request(TypePwrmonSampleGet, greybus.KindUnsupported, nil),
		greybus.Request(TypePwrmonIntfSampleGet, greybus.KindUnsupported, nil),
		greybus.Request(TypeTimesyncWakePinsAcquire, greybus.KindUnsupported, nil),
		greybus.Request(TypeTimesyncWakePinsRelease, greybus.KindUnsupported, nil),
		greybus.Request(TypeTimesyncPing, greybus.KindUnsupported, nil),
		greybus.Request(TypeModuleInserted, greybus.KindUnsupported, nil),
		greybus.Request(TypeModuleRemoved, greybus.KindUnsupported, nil),
		greybus.Request(TypeIntfVSysEnable, greybus.KindReal, d.handleIntfVSysEnable),
		greybus.Request(TypeIntfVSysDisable, greybus.KindReal, d.handleIntfVSysDisable),
		greybus.Request(TypeIntfRefclkEnable, greybus.KindReal, d.handleIntfRefclkEnable),
		greybus.Request(TypeIntfRefclkDisable, greybus.KindReal, d.handleIntfRefclkDisable),
		greybus.Request(TypeIntfUniproEnable, greybus.KindReal, d.handleIntfUniproEnable),
		greybus.Request(TypeIntfUniproDisable, greybus.KindReal, d.handleIntfUniproDisable),
		greybus.Request(TypeIntfActivate, greybus.KindReal, d.handleIntfActivate),
		greybus.Request(TypeIntfResume, greybus.KindReal, d.handleIntfResume),
		greybus.Request(TypeIntfMailboxEvent, greybus.KindUnsupported, nil),
		greybus.Request(TypeIntfOops, greybus.KindUnsupported, nil),

		// Responses to requests SVC itself originated.
		greybus.Response(TypeProtocolVersion, greybus.KindReal, d.handleVersionResponse),
		greybus.Response(TypeSVCHello, greybus.KindReal, d.handleHelloResponse),
		greybus.Response(TypeModuleInserted, greybus.KindEmpty, nil),
	)
}

func (d *Driver) handleVersionResponse(op *greybus.Operation) error {
	if major, minor, ok := decodeVersion(op.Response()); ok {
		d.log.Debug("host accepted svc protocol version", "major", major, "minor", minor)
	}
	return d.sendHello()
}

func (d *Driver) handleHelloResponse(op *greybus.Operation) error {
	d.markReady()
	return nil
}

func (d *Driver) handleConnCreate(op *greybus.Operation) error {
	intf1, cport1, intf2, cport2, ok := decodeConnRequest(op.Request)
	if !ok {
		return fmt.Errorf("%w: short CONN_CREATE payload", gberrors.ErrProtocol)
	}
	return d.router.ConnectionCreate(intf1, cport1, intf2, cport2)
}

func (d *Driver) handleConnDestroy(op *greybus.Operation) error {
	intf1, cport1, intf2, cport2, ok := decodeConnRequest(op.Request)
	if !ok {
		return fmt.Errorf("%w: short CONN_DESTROY payload", gberrors.ErrProtocol)
	}
	return d.router.ConnectionDestroy(intf1, cport1, intf2, cport2)
}

func (d *Driver) handleDMEPeerGet(op *greybus.Operation) error {
	op.Respond(dmePeerGetResponse(0, 0x0126))
	return nil
}

func (d *Driver) handleDMEPeerSet(op *greybus.Operation) error {
	op.Respond(dmePeerSetResponse(0))
	return nil
}

func (d *Driver) handleIntfVSysEnable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfVSysDisable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfRefclkEnable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfRefclkDisable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfUniproEnable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfUniproDisable(op *greybus.Operation) error {
	op.Respond(byteResponse(ResultOK))
	return nil
}

func (d *Driver) handleIntfActivate(op *greybus.Operation) error {
	op.Respond(intfActivateResponse(OpSuccess, IntfTypeGreybus))
	return nil
}

func (d *Driver) handleIntfResume(op *greybus.Operation) error {
	op.Respond(byteResponse(OpSuccess))
	return nil
}

func (d *Driver) handleIntfSetPwrm(op *greybus.Operation) error {
	txMode, rxMode, ok := decodeSetPwrmRequest(op.Request)
	if !ok {
		return fmt.Errorf("%w: short INTF_SET_PWRM payload", gberrors.ErrProtocol)
	}
	if txMode == UniproHibernateMode && rxMode == UniproHibernateMode {
		op.Respond(byteResponse(SetPwrmPwrOK))
	} else {
		op.Respond(byteResponse(SetPwrmPwrLocal))
	}
	return nil
}

func (d *Driver) handlePwrmonRailCountGet(op *greybus.Operation) error {
	op.Respond(byteResponse(0))
	return nil
}
