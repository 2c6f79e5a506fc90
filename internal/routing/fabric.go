// Package routing implements the CPort routing fabric: interface hotplug
// and id allocation, the global connection set, and forwarding of raw
// frames between the host transport and module transports.
package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"gbridge/internal/gberrors"
	"gbridge/internal/metrics"
	"gbridge/internal/wire"
)

// Controller is a transport provider. Write is the only mandatory hook;
// ConnectionCreator/ConnectionDestroyer are optional per-controller hooks
// (e.g. TCP/IP opens a per-CPort socket on connection create) implemented
// by asserting for them, so omitted callbacks fall back to a no-op default
// instead of a vtable of function pointers.
type Controller interface {
	Name() string
	Write(conn *Connection, msg []byte) error
}

// ConnectionCreator is implemented by controllers that need to do work
// when a route to one of their interfaces is established (TCP/IP: dial
// the per-CPort socket).
type ConnectionCreator interface {
	ConnectionCreate(conn *Connection) error
}

// ConnectionDestroyer is implemented by controllers that need to release
// per-connection resources (TCP/IP: close the per-CPort socket).
type ConnectionDestroyer interface {
	ConnectionDestroy(conn *Connection)
}

// HostSender delivers a frame to the host transport on a given host-side
// CPort. Implemented by internal/hosttransport.
type HostSender interface {
	SendToHost(cportID uint16, msg []byte) error
}

// HotplugNotifier is notified when a new interface is ready to be
// advertised to the host. Implemented by internal/svc.Driver.
type HotplugNotifier interface {
	ModuleInserted(intfID uint8) error
}

// Interface represents one attached or simulated module.
type Interface struct {
	ID         uint8
	Controller Controller
	VendorID   uint32
	ProductID  uint32
	Serial     uint64
}

// Connection routes a host-side CPort to a module-side CPort on one
// interface.
type Connection struct {
	HostCPort   uint16
	Interface   *Interface
	ModuleCPort uint16
}

type moduleKey struct {
	intf  uint8
	cport uint16
}

// Fabric owns interface lifecycle, the connection set, and byte
// forwarding between host and module transports. It replaces the
// reference implementation's global registries with a single explicit
// context so tests get a fresh instance per case.
type Fabric struct {
	log      *slog.Logger
	notifier HotplugNotifier
	host     HostSender

	idMu   sync.Mutex
	nextID uint8 // last allocated id; 0 means none allocated yet

	ifaceMu    sync.RWMutex
	interfaces map[uint8]*Interface

	connMu      sync.Mutex
	byHostCPort map[uint16]*Connection
	byModule    map[moduleKey]*Connection

	controllers []Controller
}

// NewFabric constructs an empty routing fabric. notifier is told about
// every successful hotplug so it can raise the SVC MODULE_INSERTED event.
func NewFabric(log *slog.Logger, notifier HotplugNotifier) *Fabric {
	if log == nil {
		log = slog.Default()
	}
	return &Fabric{
		log:         log,
		notifier:    notifier,
		interfaces:  make(map[uint8]*Interface),
		byHostCPort: make(map[uint16]*Connection),
		byModule:    make(map[moduleKey]*Connection),
	}
}

// SetHost binds the host transport used by ForwardToHost. Call once during
// startup, before any module reader goroutine can receive traffic.
func (f *Fabric) SetHost(host HostSender) {
	f.host = host
}

// SetNotifier binds the hotplug notifier. Construction order requires this:
// the SVC driver needs the fabric to exist before it can be built, so the
// fabric is constructed without a notifier and wired up once the driver is
// ready, before any controller can call CreateInterface.
func (f *Fabric) SetNotifier(notifier HotplugNotifier) {
	f.notifier = notifier
}

// AddController registers a transport provider. Call only during startup,
// before any discovery goroutine runs — the controller list is immutable
// thereafter and reads need no lock.
func (f *Fabric) AddController(c Controller) {
	f.controllers = append(f.controllers, c)
}

// Controllers returns the registered controller list.
func (f *Fabric) Controllers() []Controller {
	return f.controllers
}

// CreateInterface allocates the next interface id and advertises the
// hotplug to the host. If the hotplug notification fails, the interface is
// torn down and the failure is returned — a failed MODULE_INSERTED send is
// fatal to that hotplug attempt, per the error handling design.
func (f *Fabric) CreateInterface(ctrl Controller, vendorID, productID uint32, serial uint64) (*Interface, error) {
	id, err := f.allocInterfaceID()
	if err != nil {
		return nil, err
	}

	intf := &Interface{ID: id, Controller: ctrl, VendorID: vendorID, ProductID: productID, Serial: serial}

	f.ifaceMu.Lock()
	f.interfaces[id] = intf
	n := len(f.interfaces)
	f.ifaceMu.Unlock()
	metrics.SetInterfacesAttached(n)

	if err := f.notifier.ModuleInserted(id); err != nil {
		f.log.Error("hotplug notification failed, tearing down interface", "interface", id, "err", err)
		f.DestroyInterface(intf)
		return nil, err
	}

	f.log.Info("interface attached", "interface", id, "controller", ctrl.Name())
	return intf, nil
}

func (f *Fabric) allocInterfaceID() (uint8, error) {
	f.idMu.Lock()
	defer f.idMu.Unlock()
	if f.nextID >= 255 {
		return 0, fmt.Errorf("%w: interface id space exhausted", gberrors.ErrNoMemory)
	}
	f.nextID++
	return f.nextID, nil
}

// GetInterface looks up an interface by id.
func (f *Fabric) GetInterface(id uint8) (*Interface, bool) {
	f.ifaceMu.RLock()
	defer f.ifaceMu.RUnlock()
	intf, ok := f.interfaces[id]
	return intf, ok
}

// DestroyInterface removes an interface and every connection routed
// through it. Connections are owned by the global connection set, not by
// the interface, precisely so this enumeration is safe.
func (f *Fabric) DestroyInterface(intf *Interface) {
	f.ifaceMu.Lock()
	delete(f.interfaces, intf.ID)
	n := len(f.interfaces)
	f.ifaceMu.Unlock()
	metrics.SetInterfacesAttached(n)

	f.connMu.Lock()
	for hostCPort, conn := range f.byHostCPort {
		if conn.Interface.ID != intf.ID {
			continue
		}
		delete(f.byHostCPort, hostCPort)
		delete(f.byModule, moduleKey{intf: intf.ID, cport: conn.ModuleCPort})
	}
	connN := len(f.byHostCPort)
	f.connMu.Unlock()
	metrics.SetConnectionsActive(connN)
}

// ConnectionCreate implements svc.Router: resolve intf2 to an interface,
// record the host<->module route, and call the controller's optional
// connection-create hook.
func (f *Fabric) ConnectionCreate(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error {
	intf, ok := f.GetInterface(intf2)
	if !ok {
		return fmt.Errorf("%w: no interface %d", gberrors.ErrInvalid, intf2)
	}

	conn := &Connection{HostCPort: cport1, Interface: intf, ModuleCPort: cport2}
	if creator, ok := intf.Controller.(ConnectionCreator); ok {
		if err := creator.ConnectionCreate(conn); err != nil {
			return err
		}
	}

	f.connMu.Lock()
	f.byHostCPort[cport1] = conn
	f.byModule[moduleKey{intf: intf2, cport: cport2}] = conn
	n := len(f.byHostCPort)
	f.connMu.Unlock()
	metrics.SetConnectionsActive(n)
	_ = intf1 // host-side AP interface is always 0; kept for signature symmetry with the wire request
	return nil
}

// ConnectionDestroy implements svc.Router, the inverse of ConnectionCreate.
func (f *Fabric) ConnectionDestroy(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error {
	f.connMu.Lock()
	conn, ok := f.byHostCPort[cport1]
	if ok {
		delete(f.byHostCPort, cport1)
		delete(f.byModule, moduleKey{intf: intf2, cport: cport2})
	}
	n := len(f.byHostCPort)
	f.connMu.Unlock()
	if ok {
		metrics.SetConnectionsActive(n)
	}

	if !ok {
		return fmt.Errorf("%w: no connection on host cport %d", gberrors.ErrInvalid, cport1)
	}
	if destroyer, ok := conn.Interface.Controller.(ConnectionDestroyer); ok {
		destroyer.ConnectionDestroy(conn)
	}
	_ = intf1
	return nil
}

// ForwardToModule routes a host-originated frame to the module side of the
// connection on hostCPort, rewriting the header's pad field with the
// module-side CPort id for multiplexed transports (ignored by per-CPort-
// socket transports like TCP/IP).
func (f *Fabric) ForwardToModule(hostCPort uint16, msg []byte) error {
	f.connMu.Lock()
	conn, ok := f.byHostCPort[hostCPort]
	f.connMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection on host cport %d", gberrors.ErrInvalid, hostCPort)
	}

	out := append([]byte(nil), msg...)
	if err := wire.PackCPort(out, conn.ModuleCPort); err != nil {
		return err
	}
	return conn.Interface.Controller.Write(conn, out)
}

// ForwardToHost routes a module-originated frame back to the host on
// whichever host-side CPort the connection set associates with the
// interface's module-side CPort. Requires SetHost to have been called.
func (f *Fabric) ForwardToHost(intfID uint8, moduleCPort uint16, msg []byte) error {
	f.connMu.Lock()
	conn, ok := f.byModule[moduleKey{intf: intfID, cport: moduleCPort}]
	f.connMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection for interface %d cport %d", gberrors.ErrInvalid, intfID, moduleCPort)
	}
	if f.host == nil {
		return fmt.Errorf("%w: no host transport bound", gberrors.ErrInvalid)
	}
	return f.host.SendToHost(conn.HostCPort, msg)
}
