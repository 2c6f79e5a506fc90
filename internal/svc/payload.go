package svc

import "encoding/binary"

// Payload layouts below follow the published Greybus SVC protocol's field
// order and widths for the fields this driver actually reads or writes.
// Decoders only require the prefix they use and ignore any trailing bytes
// a real host may append, so this driver tolerates protocol revisions that
// add fields after the ones it cares about.

func versionPayload(major, minor uint8) []byte {
	return []byte{major, minor}
}

func decodeVersion(b []byte) (major, minor uint8, ok bool) {
	if len(b) < 2 {
		return 0, 0, false
	}
	return b[0], b[1], true
}

func helloPayload(endoID uint16, intfID uint8) []byte {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b[0:2], endoID)
	b[2] = intfID
	return b
}

func moduleInsertedPayload(primaryIntfID, intfCount uint8) []byte {
	return []byte{primaryIntfID, intfCount}
}

func decodeConnRequest(b []byte) (intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16, ok bool) {
	if len(b) < 6 {
		return 0, 0, 0, 0, false
	}
	intf1 = b[0]
	cport1 = binary.LittleEndian.Uint16(b[1:3])
	intf2 = b[3]
	cport2 = binary.LittleEndian.Uint16(b[4:6])
	return intf1, cport1, intf2, cport2, true
}

func dmePeerGetResponse(resultCode uint16, attrValue uint32) []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], resultCode)
	binary.LittleEndian.PutUint32(b[2:6], attrValue)
	return b
}

func dmePeerSetResponse(resultCode uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b[0:2], resultCode)
	return b
}

func byteResponse(code uint8) []byte {
	return []byte{code}
}

func intfActivateResponse(status, intfType uint8) []byte {
	return []byte{status, intfType}
}

// decodeSetPwrmRequest reads the two power-mode fields this bridge
// inspects; real requests carry additional UniPro tuning fields this
// bridge neither reads nor needs.
func decodeSetPwrmRequest(b []byte) (txMode, rxMode uint8, ok bool) {
	if len(b) < 8 {
		return 0, 0, false
	}
	// offset 2 = tx_mode, offset 7 = rx_mode, per the reference layout.
	return b[2], b[7], true
}
