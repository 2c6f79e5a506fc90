package control

import (
	"encoding/binary"
	"log/slog"

	"gbridge/internal/gberrors"
	"gbridge/internal/greybus"
	"gbridge/internal/manifest"
)

// Loopback operation types.
const (
	loopbackTypeCPortShutdown = 0x00
	loopbackTypePing          = 0x01
	loopbackTypeTransfer      = 0x02
	loopbackTypeSink          = 0x03
)

// CPortEnabler binds and unbinds the Loopback protocol driver for a given
// (interface, CPort) on bundle activate/deactivate. It is the only
// protocol this bridge enables directly; every other protocol id parses
// out of a manifest but fails to enable, matching the reference behavior.
type CPortEnabler struct {
	log  *slog.Logger
	core *greybus.Core
}

// NewCPortEnabler builds a manifest.CPortEnabler backed by core.
func NewCPortEnabler(log *slog.Logger, core *greybus.Core) *CPortEnabler {
	if log == nil {
		log = slog.Default()
	}
	return &CPortEnabler{log: log, core: core}
}

// EnableCPort implements manifest.CPortEnabler.
func (e *CPortEnabler) EnableCPort(intfID uint8, cport manifest.CPort) error {
	if cport.ProtocolID != manifest.ProtocolLoopback {
		return gberrors.ErrInvalid
	}
	return e.core.RegisterDriver(intfID, cport.ID, buildLoopbackDriver())
}

// DisableCPort implements manifest.CPortEnabler.
func (e *CPortEnabler) DisableCPort(intfID uint8, cport manifest.CPort) {
	e.core.UnregisterDriver(intfID, cport.ID)
}

func buildLoopbackDriver() *greybus.Driver {
	return greybus.NewDriver("loopback",
		greybus.Request(loopbackTypeCPortShutdown, greybus.KindEmpty, nil),
		greybus.Request(loopbackTypePing, greybus.KindEmpty, nil),
		greybus.Request(loopbackTypeTransfer, greybus.KindReal, handleLoopbackTransfer),
		greybus.Request(loopbackTypeSink, greybus.KindEmpty, nil),
	)
}

// handleLoopbackTransfer echoes the request payload back unchanged,
// preserving the len/reserved0/reserved1 header fields the host uses to
// measure round-trip latency and throughput.
func handleLoopbackTransfer(op *greybus.Operation) error {
	if len(op.Request) < 12 {
		return gberrors.ErrProtocol
	}
	length := binary.LittleEndian.Uint32(op.Request[0:4])
	data := op.Request[12:]
	if uint32(len(data)) < length {
		return gberrors.ErrProtocol
	}

	resp := make([]byte, 12+length)
	copy(resp, op.Request[0:12])
	copy(resp[12:], data[:length])
	op.Respond(resp)
	return nil
}
