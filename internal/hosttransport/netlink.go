// Package hosttransport adapts the Greybus host side to a generic
// netlink family, the same "greybus" family the reference kernel driver
// registers: one command carrying two attributes (CPort id, payload
// bytes), with a dedicated reader goroutine delivering inbound messages
// to the protocol engine or the routing fabric depending on CPort.
package hosttransport

import (
	"fmt"
	"log/slog"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"gbridge/internal/gberrors"
	"gbridge/internal/greybus"
	"gbridge/internal/metrics"
	"gbridge/internal/routing"
	"gbridge/internal/wire"
)

// Family is the generic netlink family name the host kernel module
// registers, mirroring the reference implementation's "greybus" family.
const Family = "greybus"

// Command is the family's single command: carry one Greybus message.
const Command = 1

// Attribute ids within a Command message.
const (
	attrCPort netlink.AttributeType = 1
	attrData  netlink.AttributeType = 2
)

// Dispatcher routes an inbound host-originated frame: CPort 0 traffic, and
// traffic on any CPort with a driver registered on the AP interface,
// dispatches through the protocol engine; anything else is pure relay
// through the routing fabric.
type Dispatcher interface {
	HandleInbound(intf uint8, cport uint16, msg []byte, sender greybus.Sender) error
	HasDriver(intf uint8, cport uint16) bool
}

// Transport is the genetlink-backed host transport.
type Transport struct {
	log    *slog.Logger
	conn   *genetlink.Conn
	family genetlink.Family

	core   Dispatcher
	fabric *routing.Fabric
}

// Dial opens the genetlink socket and resolves the "greybus" family. Auto
// ack and sequence checking are disabled: the kernel peer does not follow
// the generic netlink request/response convention for unsolicited
// MSG commands.
func Dial(log *slog.Logger, core Dispatcher, fabric *routing.Fabric) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := genetlink.Dial(&netlink.Config{
		DisableNSLockdown: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial genetlink: %w", err)
	}

	family, err := conn.GetFamily(Family)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve family %q: %w", Family, err)
	}

	if err := conn.SetOption(netlink.ExtendedAcknowledge, true); err != nil {
		log.Debug("extended ack unsupported, continuing", "err", err)
	}

	return &Transport{log: log, conn: conn, family: family, core: core, fabric: fabric}, nil
}

// Close releases the netlink socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Send implements greybus.Sender: it reads the CPort id for the attribute
// out of msg's pad field and hands msg to SendToHost, which frames it
// into a genetlink MSG command. SendToHost below is the addressed variant
// used by the routing fabric.
func (t *Transport) Send(msg []byte) error {
	cport, err := wire.UnpackCPort(msg)
	if err != nil {
		return err
	}
	return t.SendToHost(cport, msg)
}

// SendToHost implements routing.HostSender.
func (t *Transport) SendToHost(cportID uint16, msg []byte) error {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(uint32(attrCPort), uint32(cportID))
	ae.Bytes(uint16(attrData), msg)
	data, err := ae.Encode()
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	_, err = t.conn.Send(genetlink.Message{
		Header: genetlink.Header{
			Command: Command,
			Version: t.family.Version,
		},
		Data: data,
	}, t.family.ID, netlink.Request)
	if err != nil {
		metrics.RecordTransportError("host", "write")
		return fmt.Errorf("send to host: %w", err)
	}
	return nil
}

// Run blocks receiving inbound host frames until the connection is
// closed or recv fails. One reader goroutine is dedicated to the host
// transport, per the concurrency model.
func (t *Transport) Run() error {
	for {
		msgs, _, err := t.conn.Receive()
		if err != nil {
			metrics.RecordTransportError("host", "read")
			return fmt.Errorf("receive from host: %w", err)
		}
		for _, m := range msgs {
			if err := t.handle(m); err != nil {
				t.log.Warn("dropping malformed host frame", "err", err)
			}
		}
	}
}

func (t *Transport) handle(m genetlink.Message) error {
	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}

	var cport uint16
	var payload []byte
	for ad.Next() {
		switch ad.Type() {
		case uint16(attrCPort):
			cport = uint16(ad.Uint32())
		case uint16(attrData):
			payload = ad.Bytes()
		}
	}
	if err := ad.Err(); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("%w: missing data attribute", gberrors.ErrProtocol)
	}

	const apInterface = 0
	if cport == 0 || t.core.HasDriver(apInterface, cport) {
		return t.core.HandleInbound(apInterface, cport, payload, t)
	}
	return t.fabric.ForwardToModule(cport, payload)
}
