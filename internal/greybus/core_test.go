package greybus

import (
	"errors"
	"sync"
	"testing"

	"gbridge/internal/gberrors"
	"gbridge/internal/wire"
)

func TestRegisterDriverRejectsUnsorted(t *testing.T) {
	c := NewCore(nil, 0)
	d := NewDriver("bad",
		Handler{Type: 2, Kind: KindEmpty},
		Handler{Type: 1, Kind: KindEmpty},
	)
	err := c.RegisterDriver(1, 0, d)
	if !errors.Is(err, gberrors.ErrInvalid) {
		t.Fatalf("RegisterDriver() error = %v, want ErrInvalid", err)
	}
}

func TestRegisterDriverRejectsDuplicateSlot(t *testing.T) {
	c := NewCore(nil, 0)
	d := NewDriver("d", Handler{Type: 1, Kind: KindEmpty})
	if err := c.RegisterDriver(1, 0, d); err != nil {
		t.Fatalf("first RegisterDriver: %v", err)
	}
	err := c.RegisterDriver(1, 0, NewDriver("d2", Handler{Type: 1, Kind: KindEmpty}))
	if !errors.Is(err, gberrors.ErrInvalid) {
		t.Fatalf("RegisterDriver() second error = %v, want ErrInvalid", err)
	}
}

type recordingSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (s *recordingSender) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), msg...)
	s.out = append(s.out, cp)
	return nil
}

func (s *recordingSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.out) == 0 {
		return nil
	}
	return s.out[len(s.out)-1]
}

func TestDispatchUniqueness(t *testing.T) {
	var calledType uint8
	var calls int
	d := NewDriver("d",
		Handler{Type: 1, Kind: KindReal, Fn: func(op *Operation) error { calledType = 1; calls++; return nil }},
		Handler{Type: 5, Kind: KindReal, Fn: func(op *Operation) error { calledType = 5; calls++; return nil }},
	)
	c := NewCore(nil, 0)
	if err := c.RegisterDriver(1, 0, d); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}

	msg := requestMessage(t, 5, 99, nil)
	if err := c.HandleInbound(1, 0, msg, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if calledType != 5 || calls != 1 {
		t.Fatalf("expected exactly handler for type 5 to run once, got type=%d calls=%d", calledType, calls)
	}

	resp := wire.UnpackHeader(sender.last())
	if resp.Result != 0 {
		t.Fatalf("result = %#x, want success", resp.Result)
	}
}

func TestDispatchUnregisteredType(t *testing.T) {
	d := NewDriver("d", Handler{Type: 1, Kind: KindEmpty})
	c := NewCore(nil, 0)
	if err := c.RegisterDriver(1, 0, d); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	msg := requestMessage(t, 9, 1, nil)
	if err := c.HandleInbound(1, 0, msg, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	resp := wire.UnpackHeader(sender.last())
	if resp.Result != uint8(gberrors.ResultProtocol) {
		t.Fatalf("result = %#x, want PROTOCOL_BAD", resp.Result)
	}
}

func TestEmptyResponseSynthesis(t *testing.T) {
	d := NewDriver("d", Handler{Type: 1, Kind: KindReal, Fn: func(op *Operation) error { return nil }})
	c := NewCore(nil, 0)
	if err := c.RegisterDriver(1, 0, d); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	msg := requestMessage(t, 1, 7, nil)
	if err := c.HandleInbound(1, 0, msg, sender); err != nil {
		t.Fatal(err)
	}
	resp := sender.last()
	if len(resp) != wire.HeaderSize {
		t.Fatalf("len(resp) = %d, want %d (header only)", len(resp), wire.HeaderSize)
	}
	hdr := wire.UnpackHeader(resp)
	if hdr.Result != 0 {
		t.Fatalf("result = %#x, want success", hdr.Result)
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	c := NewCore(nil, 0)
	sender := &recordingSender{}

	const cport = uint16(3)
	var gotA, gotB []byte
	opA := c.AllocOperation(0, cport, 0x01, []byte("A"))
	opB := c.AllocOperation(0, cport, 0x01, []byte("B"))

	d := NewDriver("client",
		Handler{Type: wire.ResponseType(0x01), Kind: KindReal, Fn: func(op *Operation) error {
			if op.ID == opA.ID {
				gotA = op.response
			} else if op.ID == opB.ID {
				gotB = op.response
			}
			return nil
		}},
	)
	if err := c.RegisterDriver(0, cport, d); err != nil {
		t.Fatal(err)
	}

	if err := c.SendRequest(opA, sender); err != nil {
		t.Fatal(err)
	}
	if err := c.SendRequest(opB, sender); err != nil {
		t.Fatal(err)
	}
	if c.PendingOperations() != 2 {
		t.Fatalf("PendingOperations() = %d, want 2", c.PendingOperations())
	}

	// Responses arrive interleaved, B before A.
	respB := responseMessage(t, wire.ResponseType(0x01), opB.ID, cport, []byte("resp-B"))
	respA := responseMessage(t, wire.ResponseType(0x01), opA.ID, cport, []byte("resp-A"))

	if err := c.HandleInbound(0, cport, respB, sender); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleInbound(0, cport, respA, sender); err != nil {
		t.Fatal(err)
	}

	if string(gotA) != "resp-A" || string(gotB) != "resp-B" {
		t.Fatalf("correlation mismatch: gotA=%q gotB=%q", gotA, gotB)
	}
	if c.PendingOperations() != 0 {
		t.Fatalf("PendingOperations() = %d, want 0 after both responses", c.PendingOperations())
	}
}

func requestMessage(t *testing.T, opType uint8, opID uint16, payload []byte) []byte {
	t.Helper()
	size := wire.HeaderSize + len(payload)
	hdr := wire.Header{Size: uint16(size), OpID: opID, Type: opType}
	packed := hdr.Pack()
	msg := make([]byte, size)
	copy(msg, packed[:])
	copy(msg[wire.HeaderSize:], payload)
	return msg
}

func responseMessage(t *testing.T, opType uint8, opID uint16, _ uint16, payload []byte) []byte {
	t.Helper()
	return requestMessage(t, opType, opID, payload)
}
