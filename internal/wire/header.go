// Package wire implements the Greybus operation-message binary framing:
// header pack/unpack, length-prefixed reads, and the CPort-in-pad trick
// used by multiplexed stream transports.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed length of a Greybus operation header.
const HeaderSize = 8

// DefaultMTU is the maximum total message size (header + payload) accepted
// unless a transport advertises a smaller one.
const DefaultMTU = 2048

// ResponseBit marks an operation type as a response to a request of the
// same base type.
const ResponseBit = 0x80

var (
	// ErrShort is returned when a stream ends before a full header or
	// payload has been read.
	ErrShort = errors.New("wire: short read")
	// ErrOversize is returned when a header's size field exceeds the
	// caller's MTU.
	ErrOversize = errors.New("wire: message exceeds MTU")
)

// Header is the 8-byte Greybus operation header, little-endian on the wire.
type Header struct {
	Size   uint16
	OpID   uint16
	Type   uint8
	Result uint8
	Pad    uint16
}

// IsResponse reports whether Type carries the response bit.
func (h Header) IsResponse() bool {
	return h.Type&ResponseBit != 0
}

// RequestType strips the response bit, yielding the request type this
// header's type corresponds to (a no-op on a request header).
func (h Header) RequestType() uint8 {
	return h.Type &^ ResponseBit
}

// ResponseType sets the response bit on a request type.
func ResponseType(reqType uint8) uint8 {
	return reqType | ResponseBit
}

// Pack encodes a header into its 8-byte wire form.
func (h Header) Pack() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], h.Size)
	binary.LittleEndian.PutUint16(b[2:4], h.OpID)
	b[4] = h.Type
	b[5] = h.Result
	binary.LittleEndian.PutUint16(b[6:8], h.Pad)
	return b
}

// UnpackHeader decodes an 8-byte buffer into a Header. Callers must ensure
// len(b) >= HeaderSize.
func UnpackHeader(b []byte) Header {
	return Header{
		Size:   binary.LittleEndian.Uint16(b[0:2]),
		OpID:   binary.LittleEndian.Uint16(b[2:4]),
		Type:   b[4],
		Result: b[5],
		Pad:    binary.LittleEndian.Uint16(b[6:8]),
	}
}

// PackCPort writes a module-side CPort id into a message's pad field in
// place. Used by multiplexed stream transports (serial, Bluetooth RFCOMM)
// that carry several CPorts over one byte stream.
func PackCPort(msg []byte, cportID uint16) error {
	if len(msg) < HeaderSize {
		return fmt.Errorf("wire: message too short to carry cport pad: %d bytes", len(msg))
	}
	binary.LittleEndian.PutUint16(msg[6:8], cportID)
	return nil
}

// UnpackCPort reads the module-side CPort id stashed in a message's pad
// field by PackCPort.
func UnpackCPort(msg []byte) (uint16, error) {
	if len(msg) < HeaderSize {
		return 0, fmt.Errorf("wire: message too short to carry cport pad: %d bytes", len(msg))
	}
	return binary.LittleEndian.Uint16(msg[6:8]), nil
}

// ReadMessage reads one complete Greybus message from r: the fixed 8-byte
// header, then size-8 bytes of payload. mtu bounds the accepted Size field;
// pass 0 to use DefaultMTU.
func ReadMessage(r io.Reader, mtu uint16) ([]byte, Header, error) {
	if mtu == 0 {
		mtu = DefaultMTU
	}

	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, Header{}, ErrShort
		}
		return nil, Header{}, err
	}

	hdr := UnpackHeader(hdrBuf[:])
	if hdr.Size < HeaderSize {
		return nil, hdr, fmt.Errorf("%w: size %d below header size", ErrShort, hdr.Size)
	}
	if hdr.Size > mtu {
		return nil, hdr, ErrOversize
	}

	msg := make([]byte, hdr.Size)
	copy(msg, hdrBuf[:])
	if rest := msg[HeaderSize:]; len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, hdr, ErrShort
			}
			return nil, hdr, err
		}
	}

	return msg, hdr, nil
}
