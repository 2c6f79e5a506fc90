package greybus

import (
	"time"

	"gbridge/internal/wire"
)

// Role distinguishes an operation the core originated (Client, awaiting a
// response) from one a peer originated (Server, awaiting our response).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Operation is the in-memory record of a request, optionally paired with
// its response. It is linked into the core's operation table while a
// response is outstanding and removed once correlated.
type Operation struct {
	ID          uint16
	Type        uint8
	InterfaceID uint8
	CPortID     uint16
	Role        Role

	Request  []byte // payload only, header stripped
	response []byte
	responded bool

	// sentAt is set when a client-role operation is handed to
	// SendRequest; it feeds the operation-duration metric once the
	// matching response is correlated.
	sentAt time.Time
}

// Respond sets the operation's response payload. A handler that never
// calls Respond causes the engine to synthesize an empty (header-only)
// response on success.
func (op *Operation) Respond(payload []byte) {
	op.response = payload
	op.responded = true
}

// Response returns the response payload: for a client-role operation,
// the bytes the peer sent back once HandleInbound correlates it; for a
// server-role operation, whatever a handler already passed to Respond
// (used by handler-level unit tests that call a driver's methods
// directly instead of going through Core.HandleInbound).
func (op *Operation) Response() []byte {
	return op.response
}

// buildMessage assembles a full wire message (header + payload) for this
// operation with the given type and result.
func (op *Operation) buildMessage(msgType uint8, result uint8, payload []byte) []byte {
	size := wire.HeaderSize + len(payload)
	msg := make([]byte, size)
	hdr := wire.Header{
		Size:   uint16(size),
		OpID:   op.ID,
		Type:   msgType,
		Result: result,
	}
	packed := hdr.Pack()
	copy(msg, packed[:])
	copy(msg[wire.HeaderSize:], payload)
	return msg
}

type opKey struct {
	cport uint16
	opID  uint16
}

// operationTable is the in-flight request registry keyed by (CPort,
// operation id), per the component design's choice of an indexed
// container over an intrusive linked list.
type operationTable struct {
	entries map[opKey]*Operation
}

func newOperationTable() *operationTable {
	return &operationTable{entries: make(map[opKey]*Operation)}
}

func (t *operationTable) insert(op *Operation) {
	t.entries[opKey{cport: op.CPortID, opID: op.ID}] = op
}

func (t *operationTable) remove(cport, opID uint16) (*Operation, bool) {
	key := opKey{cport: cport, opID: opID}
	op, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return op, ok
}

func (t *operationTable) len() int {
	return len(t.entries)
}
