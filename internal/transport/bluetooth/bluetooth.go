// Package bluetooth implements the Bluetooth RFCOMM module transport:
// modules are taken from the devices BlueZ already knows about, filtered
// by name, and connected over the SPP (Serial Port Profile) RFCOMM
// channel. The package starts no inquiry of its own and reads the device
// list once per Discover call; it does not rescan periodically. All
// CPorts of one interface share the single RFCOMM stream, so outbound
// frames carry the module CPort id packed into the header's pad field.
package bluetooth

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	dbus "github.com/godbus/dbus/v5"

	"gbridge/internal/metrics"
	"gbridge/internal/routing"
	"gbridge/internal/wire"
)

const (
	bluezService        = "org.bluez"
	profileInterface    = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	// sppUUID is the Serial Port Profile UUID the reference
	// implementation's RFCOMM channel 1 maps to.
	sppUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// nameFilter matches the reference implementation's inquiry filter:
	// only devices whose Bluetooth name contains this substring are
	// treated as Greybus modules.
	nameFilter = "GREYBUS"
)

var pathCounter uint64

// Controller discovers and bridges Greybus modules reachable over
// Bluetooth RFCOMM. It implements routing.Controller.
type Controller struct {
	log    *slog.Logger
	fabric *routing.Fabric

	bus        *dbus.Conn
	clientPath dbus.ObjectPath
	accept     chan acceptedConnection

	mu    sync.Mutex
	conns map[uint8]*rfcommStream // by interface id
}

type acceptedConnection struct {
	fd     int
	device dbus.ObjectPath
}

type profile struct {
	accept chan acceptedConnection
}

func (p *profile) Release() *dbus.Error { return nil }
func (p *profile) Cancel() *dbus.Error  { return nil }
func (p *profile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	select {
	case p.accept <- acceptedConnection{fd: int(fd), device: dev}:
	default:
		os.NewFile(uintptr(fd), "rfcomm").Close()
	}
	return nil
}

type rfcommStream struct {
	f *os.File
}

// New connects to the system D-Bus and registers a client-role SPP
// profile with BlueZ, ready to initiate connections to discovered
// modules.
func New(log *slog.Logger, fabric *routing.Fabric) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	c := &Controller{
		log:    log,
		fabric: fabric,
		bus:    bus,
		accept: make(chan acceptedConnection, 1),
		conns:  make(map[uint8]*rfcommStream),
	}

	id := atomic.AddUint64(&pathCounter, 1)
	c.clientPath = dbus.ObjectPath("/gbridge/bluetooth/profile" + strconv.FormatUint(id, 10))
	prof := &profile{accept: c.accept}
	if err := bus.Export(prof, c.clientPath, profileInterface); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}

	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, c.clientPath, sppUUID, opts); call.Err != nil {
		return nil, fmt.Errorf("register profile: %w", call.Err)
	}

	return c, nil
}

func (c *Controller) Name() string { return "bluetooth" }

// Discover lists nearby devices already known to BlueZ (post-inquiry)
// and hotplugs every one whose name matches nameFilter.
func (c *Controller) Discover() error {
	obj := c.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return fmt.Errorf("get managed objects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return fmt.Errorf("decode managed objects: %w", err)
	}

	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		name, _ := props["Name"].Value().(string)
		if !strings.Contains(name, nameFilter) {
			continue
		}
		if err := c.connectDevice(path); err != nil {
			c.log.Warn("failed to connect greybus module", "device", path, "err", err)
		}
	}
	return nil
}

func (c *Controller) connectDevice(device dbus.ObjectPath) error {
	devObj := c.bus.Object(bluezService, device)
	if call := devObj.Call(deviceIface+".ConnectProfile", 0, sppUUID); call.Err != nil {
		return fmt.Errorf("connect profile: %w", call.Err)
	}

	accepted := <-c.accept
	f := os.NewFile(uintptr(accepted.fd), "rfcomm")

	// The reference implementation carries no real device identity over
	// RFCOMM; this bridge generates a process-unique serial id instead of
	// hardcoding one, so multiple modules in one run don't collide.
	serial := uuid.New()
	serialLow := uint64(serial[8])<<56 | uint64(serial[9])<<48 | uint64(serial[10])<<40 | uint64(serial[11])<<32 |
		uint64(serial[12])<<24 | uint64(serial[13])<<16 | uint64(serial[14])<<8 | uint64(serial[15])

	intf, err := c.fabric.CreateInterface(c, 1, 1, serialLow)
	if err != nil {
		f.Close()
		return fmt.Errorf("hotplug: %w", err)
	}

	c.mu.Lock()
	c.conns[intf.ID] = &rfcommStream{f: f}
	c.mu.Unlock()

	go c.readLoop(intf.ID, f)
	return nil
}

// Write implements routing.Controller: every CPort of one interface
// shares the RFCOMM stream, so the module CPort id travels in the
// header's pad field.
func (c *Controller) Write(conn *routing.Connection, msg []byte) error {
	if err := wire.PackCPort(msg, conn.ModuleCPort); err != nil {
		return err
	}
	c.mu.Lock()
	stream, ok := c.conns[conn.Interface.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("bluetooth: no rfcomm stream for interface %d", conn.Interface.ID)
	}
	_, err := stream.f.Write(msg)
	if err != nil {
		metrics.RecordTransportError("bluetooth", "write")
	}
	return err
}

func (c *Controller) readLoop(intfID uint8, f *os.File) {
	for {
		msg, hdr, err := wire.ReadMessage(f, 0)
		if err != nil {
			metrics.RecordTransportError("bluetooth", "read")
			c.log.Debug("rfcomm stream closed", "interface", intfID, "err", err)
			return
		}
		cport, err := wire.UnpackCPort(msg)
		if err != nil {
			continue
		}
		_ = hdr
		if err := c.fabric.ForwardToHost(intfID, cport, msg); err != nil {
			c.log.Warn("failed to forward bluetooth frame to host", "err", err)
		}
	}
}
