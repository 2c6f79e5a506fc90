// Package tcpip implements the TCP/IP module transport: modules are
// discovered over mDNS advertising the "_greybus._tcp" service, and each
// routed connection opens its own TCP socket at the module's advertised
// port plus the module-side CPort id, mirroring the reference
// implementation's per-CPort-socket addressing scheme (no CPort pad
// trick needed, unlike the multiplexed serial/Bluetooth transports).
package tcpip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"gbridge/internal/metrics"
	"gbridge/internal/routing"
	"gbridge/internal/wire"
)

// ServiceType is the mDNS service type modules advertise themselves under.
const ServiceType = "_greybus._tcp"

// Controller discovers Greybus modules over mDNS and bridges each routed
// connection to its own TCP socket. It implements routing.Controller and
// routing.ConnectionCreator/ConnectionDestroyer.
type Controller struct {
	log    *slog.Logger
	fabric *routing.Fabric

	mu    sync.Mutex
	socks map[uint16]net.Conn // by host CPort
}

// New builds a TCP/IP controller. fabric is used to hotplug discovered
// modules and to hand off received bytes to the host.
func New(log *slog.Logger, fabric *routing.Fabric) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log, fabric: fabric, socks: make(map[uint16]net.Conn)}
}

func (c *Controller) Name() string { return "tcpip" }

// Discover runs the mDNS browse loop until ctx is canceled, hotplugging
// one interface per resolved "_greybus._tcp" service instance.
func (c *Controller) Discover(ctx context.Context) error {
	entries := make(chan *zeroconf.ServiceEntry, 8)
	go func() {
		for entry := range entries {
			c.onServiceFound(entry)
		}
	}()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("new mdns resolver: %w", err)
	}
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *Controller) onServiceFound(entry *zeroconf.ServiceEntry) {
	if len(entry.AddrIPv4) == 0 {
		return
	}
	addr := entry.AddrIPv4[0]
	port := entry.Port

	dev := &moduleAddr{addr: addr, port: port}
	// Vendor/product/serial aren't carried in mDNS TXT records by this
	// module; every TCP/IP module presents as the same generic device.
	intf, err := c.fabric.CreateInterface(c, 1, 1, 0)
	if err != nil {
		c.log.Error("hotplug failed for discovered module", "host", entry.HostName, "err", err)
		return
	}
	intf.Controller = &boundController{Controller: c, dev: dev}
	c.log.Info("discovered module over mdns", "interface", intf.ID, "addr", addr, "port", port)
}

type moduleAddr struct {
	addr string
	port int
}

// boundController is a per-interface view that remembers where to dial;
// routing.Fabric stores one Controller per interface and calls Write on
// it, so this closes over the resolved address without a global lookup
// table keyed by interface id.
type boundController struct {
	*Controller
	dev *moduleAddr
}

// Write implements routing.Controller.
func (b *boundController) Write(conn *routing.Connection, msg []byte) error {
	b.mu.Lock()
	sock, ok := b.socks[conn.HostCPort]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcpip: no socket for host cport %d", conn.HostCPort)
	}
	_, err := sock.Write(msg)
	if err != nil {
		metrics.RecordTransportError("tcpip", "write")
	}
	return err
}

// ConnectionCreate implements routing.ConnectionCreator: dial a fresh
// socket at dev.port + module CPort id, retrying up to 30 times one second
// apart before giving up, matching the reference implementation's
// connect-retry loop.
func (b *boundController) ConnectionCreate(conn *routing.Connection) error {
	addr := net.JoinHostPort(b.dev.addr, strconv.Itoa(b.dev.port+int(conn.ModuleCPort)))

	var sock net.Conn
	var err error
	for attempt := 0; attempt < 30; attempt++ {
		sock, err = net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("connect to module at %s: %w", addr, err)
	}

	b.mu.Lock()
	b.socks[conn.HostCPort] = sock
	b.mu.Unlock()

	go b.readLoop(conn, sock)
	return nil
}

// ConnectionDestroy implements routing.ConnectionDestroyer.
func (b *boundController) ConnectionDestroy(conn *routing.Connection) {
	b.mu.Lock()
	sock, ok := b.socks[conn.HostCPort]
	delete(b.socks, conn.HostCPort)
	b.mu.Unlock()
	if ok {
		sock.Close()
	}
}

func (b *boundController) readLoop(conn *routing.Connection, sock net.Conn) {
	for {
		msg, _, err := wire.ReadMessage(sock, 0)
		if err != nil {
			metrics.RecordTransportError("tcpip", "read")
			b.log.Debug("tcpip connection closed", "host_cport", conn.HostCPort, "err", err)
			return
		}
		if err := b.fabric.ForwardToHost(conn.Interface.ID, conn.ModuleCPort, msg); err != nil {
			b.log.Warn("failed to forward tcpip frame to host", "err", err)
		}
	}
}
