// Package control implements the Greybus Control protocol: the per-
// interface CPort 0 handler every module exposes for manifest retrieval,
// CPort lifecycle notifications, and bundle/interface power management.
package control

import (
	"encoding/binary"
	"log/slog"

	"gbridge/internal/greybus"
	"gbridge/internal/manifest"
)

// CPortID is the well-known CPort a module's Control driver is registered
// on, on every interface.
const CPortID = 0x00

const (
	versionMajor = 0
	versionMinor = 1
)

// Operation types, following the published Greybus Control protocol.
const (
	typeVersion              = 0x01
	typeProbeAP              = 0x02
	typeGetManifestSize       = 0x03
	typeGetManifest           = 0x04
	typeConnected             = 0x05
	typeDisconnected          = 0x06
	typeTimesyncEnable        = 0x07
	typeTimesyncDisable       = 0x08
	typeTimesyncAuthoritative = 0x09
	typeBundleVersion         = 0x0a
	typeDisconnecting         = 0x0b
	typeTimesyncGetLastEvent  = 0x0c
	typeModeSwitch            = 0x0d
	typeBundleSuspend         = 0x0e
	typeBundleResume          = 0x0f
	typeBundleDeactivate      = 0x10
	typeBundleActivate        = 0x11
	typeIntfSuspendPrepare    = 0x12
	typeIntfDeactivatePrepare = 0x13
	typeIntfHibernateAbort    = 0x14
	typeCPortShutdown         = 0x00
)

// Bundle/interface PM status codes returned in the response body.
const (
	bundlePMOK   = 0x00
	intfPMOK     = 0x00
	bundlePMInval = 0x02
)

// Driver implements the per-interface Control CPort. One instance is
// registered per attached interface, since GET_MANIFEST_SIZE/GET_MANIFEST
// answer for that interface's own manifest.
type Driver struct {
	log      *slog.Logger
	intfID   uint8
	core     *greybus.Core
	store    *manifest.Store
}

// New builds a Control driver for one interface's manifest store entry.
func New(log *slog.Logger, intfID uint8, core *greybus.Core, store *manifest.Store) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{log: log, intfID: intfID, core: core, store: store}
}

// Register binds this Control driver at (intfID, CPortID).
func (d *Driver) Register() error {
	return d.core.RegisterDriver(d.intfID, CPortID, d.buildDriver())
}

func (d *Driver) buildDriver() *greybus.Driver {
	return greybus.NewDriver("control",
		greybus.Request(typeCPortShutdown, greybus.KindEmpty, nil),
		greybus.Request(typeVersion, greybus.KindReal, d.handleVersion),
		greybus.Request(typeProbeAP, greybus.KindUnsupported, nil),
		greybus.Request(typeGetManifestSize, greybus.KindReal, d.handleGetManifestSize),
		greybus.Request(typeGetManifest, greybus.KindReal, d.handleGetManifest),
		greybus.Request(typeConnected, greybus.KindEmpty, nil),
		greybus.Request(typeDisconnected, greybus.KindEmpty, nil),
		greybus.Request(typeTimesyncEnable, greybus.KindUnsupported, nil),
		greybus.Request(typeTimesyncDisable, greybus.KindUnsupported, nil),
		greybus.Request(typeTimesyncAuthoritative, greybus.KindUnsupported, nil),
		greybus.Request(typeBundleVersion, greybus.KindUnsupported, nil),
		greybus.Request(typeDisconnecting, greybus.KindEmpty, nil),
		greybus.Request(typeTimesyncGetLastEvent, greybus.KindUnsupported, nil),
		greybus.Request(typeModeSwitch, greybus.KindUnsupported, nil),
		greybus.Request(typeBundleSuspend, greybus.KindReal, d.handleBundleSuspend),
		greybus.Request(typeBundleResume, greybus.KindReal, d.handleBundleResume),
		greybus.Request(typeBundleDeactivate, greybus.KindReal, d.handleBundleDeactivate),
		greybus.Request(typeBundleActivate, greybus.KindReal, d.handleBundleActivate),
		greybus.Request(typeIntfSuspendPrepare, greybus.KindReal, d.handleIntfSuspendPrepare),
		greybus.Request(typeIntfDeactivatePrepare, greybus.KindReal, d.handleIntfDeactivatePrepare),
		greybus.Request(typeIntfHibernateAbort, greybus.KindReal, d.handleIntfHibernateAbort),
	)
}

func (d *Driver) handleVersion(op *greybus.Operation) error {
	op.Respond([]byte{versionMajor, versionMinor})
	return nil
}

func (d *Driver) handleGetManifestSize(op *greybus.Operation) error {
	size := d.store.Size(d.intfID)
	resp := make([]byte, 2)
	binary.LittleEndian.PutUint16(resp, size)
	op.Respond(resp)
	return nil
}

func (d *Driver) handleGetManifest(op *greybus.Operation) error {
	m, ok := d.store.Get(d.intfID)
	if !ok {
		op.Respond(nil)
		return nil
	}
	op.Respond(m.Blob)
	return nil
}

func bundleIDFromRequest(req []byte) uint8 {
	if len(req) < 1 {
		return 0
	}
	return req[0]
}

func (d *Driver) handleBundleSuspend(op *greybus.Operation) error {
	op.Respond([]byte{bundlePMOK})
	return nil
}

func (d *Driver) handleBundleResume(op *greybus.Operation) error {
	op.Respond([]byte{bundlePMOK})
	return nil
}

func (d *Driver) handleBundleActivate(op *greybus.Operation) error {
	bundleID := bundleIDFromRequest(op.Request)
	status := uint8(bundlePMOK)
	if err := d.store.BundleActivate(d.intfID, bundleID); err != nil {
		d.log.Warn("bundle activate failed", "interface", d.intfID, "bundle", bundleID, "err", err)
		status = bundlePMInval
	}
	op.Respond([]byte{status})
	return nil
}

func (d *Driver) handleBundleDeactivate(op *greybus.Operation) error {
	bundleID := bundleIDFromRequest(op.Request)
	status := uint8(bundlePMOK)
	if err := d.store.BundleDeactivate(d.intfID, bundleID); err != nil {
		d.log.Warn("bundle deactivate failed", "interface", d.intfID, "bundle", bundleID, "err", err)
		status = bundlePMInval
	}
	op.Respond([]byte{status})
	return nil
}

func (d *Driver) handleIntfSuspendPrepare(op *greybus.Operation) error {
	op.Respond([]byte{intfPMOK})
	return nil
}

func (d *Driver) handleIntfDeactivatePrepare(op *greybus.Operation) error {
	op.Respond([]byte{intfPMOK})
	return nil
}

func (d *Driver) handleIntfHibernateAbort(op *greybus.Operation) error {
	op.Respond([]byte{intfPMOK})
	return nil
}
