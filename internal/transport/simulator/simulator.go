// Package simulator implements an in-process module transport for
// development without real hardware: it reads a manifest file from disk,
// hotplugs one interface backed entirely by in-memory dispatch through
// the protocol engine, and never touches a byte stream. Host-originated
// frames reach Core.HandleInbound directly instead of crossing any
// transport boundary.
package simulator

import (
	"fmt"
	"log/slog"
	"os"

	"gbridge/internal/control"
	"gbridge/internal/greybus"
	"gbridge/internal/manifest"
	"gbridge/internal/routing"
)

// Controller is a manifest-file-backed simulated module. Every write
// routed to it dispatches straight into the protocol engine's
// HandleInbound, so it never needs a reader goroutine of its own.
type Controller struct {
	log    *slog.Logger
	core   *greybus.Core
	fabric *routing.Fabric

	intfID uint8
}

// Attach parses manifestPath, registers a Control driver (and binds
// Loopback CPorts eagerly, since there is no host BUNDLE_ACTIVATE round
// trip required to exercise the simulator locally) for a freshly
// hotplugged interface, and returns the controller managing it.
func Attach(log *slog.Logger, core *greybus.Core, store *manifest.Store, fabric *routing.Fabric, manifestPath string) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}

	blob, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}

	c := &Controller{log: log, core: core, fabric: fabric}

	intf, err := fabric.CreateInterface(c, 0x1234, 0x5678, 1)
	if err != nil {
		return nil, fmt.Errorf("hotplug simulator interface: %w", err)
	}
	c.intfID = intf.ID

	m, err := manifest.Parse(blob, intf.ID)
	if err != nil {
		fabric.DestroyInterface(intf)
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	store.Put(m)

	ctrl := control.New(log, intf.ID, core, store)
	if err := ctrl.Register(); err != nil {
		fabric.DestroyInterface(intf)
		return nil, fmt.Errorf("register control driver: %w", err)
	}

	for _, bundle := range m.Bundles {
		if err := store.BundleActivate(intf.ID, bundle.ID); err != nil {
			log.Warn("simulator bundle activate failed", "interface", intf.ID, "bundle", bundle.ID, "err", err)
		}
	}

	return c, nil
}

func (c *Controller) Name() string { return "simulator" }

// Write implements routing.Controller by feeding the frame straight back
// into the protocol engine, as if it had arrived over a real transport.
// Any reply the driver produces is routed back to the host through the
// fabric, exactly as a real transport's reader loop would.
func (c *Controller) Write(conn *routing.Connection, msg []byte) error {
	moduleCPort := conn.ModuleCPort
	return c.core.HandleInbound(c.intfID, moduleCPort, msg, greybus.SenderFunc(func(reply []byte) error {
		return c.fabric.ForwardToHost(c.intfID, moduleCPort, reply)
	}))
}
