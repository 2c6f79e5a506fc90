// Package svc implements the Greybus SVC (Supervisory Controller) driver:
// the CPort-0 handler table a real Linux Greybus host talks to, plus the
// bootstrap handshake that brings the link up before any module traffic
// can flow.
package svc

// Operation types for CPort 0 (the SVC CPort), following the published
// Greybus SVC protocol's type assignments.
const (
	TypeProtocolVersion        = 0x01
	TypeSVCHello               = 0x02
	TypeIntfDeviceID           = 0x03
	TypeIntfReset              = 0x04
	TypeConnCreate             = 0x05
	TypeConnDestroy            = 0x06
	TypeDMEPeerGet             = 0x07
	TypeDMEPeerSet             = 0x08
	TypeRouteCreate            = 0x09
	TypeRouteDestroy           = 0x0a
	TypeTimesyncEnable         = 0x0b
	TypeTimesyncDisable        = 0x0c
	TypeTimesyncAuthoritative  = 0x0d
	TypeIntfSetPwrm            = 0x0e
	TypeIntfEject              = 0x0f
	TypePing                   = 0x10
	TypePwrmonRailCountGet     = 0x11
	TypePwrmonRailNamesGet     = 0x12
	TypePwrmonSampleGet        = 0x13
	TypePwrmonIntfSampleGet    = 0x14
	TypeTimesyncWakePinsAcquire = 0x15
	TypeTimesyncWakePinsRelease = 0x16
	TypeTimesyncPing           = 0x17
	TypeModuleInserted         = 0x18
	TypeModuleRemoved          = 0x19
	TypeIntfVSysEnable         = 0x1a
	TypeIntfVSysDisable        = 0x1b
	TypeIntfRefclkEnable       = 0x1c
	TypeIntfRefclkDisable      = 0x1d
	TypeIntfUniproEnable       = 0x1e
	TypeIntfUniproDisable      = 0x1f
	TypeIntfActivate           = 0x20
	TypeIntfResume             = 0x21
	TypeIntfMailboxEvent       = 0x22
	TypeIntfOops               = 0x23
)

// Result codes embedded in several SVC response payloads (distinct from
// the Greybus operation result byte in the header).
const (
	ResultOK            = 0x00
	IntfTypeGreybus     = 0x01
	OpSuccess           = 0x00
	UniproHibernateMode = 0x07
	SetPwrmPwrOK        = 0x00
	SetPwrmPwrLocal     = 0x01
)

// EndoID is the process-wide Endo identifier SVC advertises during HELLO.
// The real hardware topology this constant names does not exist for a
// software bridge; it is carried over unchanged from the reference
// implementation as a protocol-level constant rather than something this
// bridge could derive.
const EndoID = 0x4755

// VersionMajor/VersionMinor are the SVC protocol version this bridge
// speaks, sent in the initial PROTOCOL_VERSION request.
const (
	VersionMajor = 0x00
	VersionMinor = 0x01
)

// AP interface id / SVC CPort id: the host side is always interface 0,
// and SVC is always registered on CPort 0 of that interface.
const (
	APInterfaceID = 0x00
	CPortID       = 0x00
)
