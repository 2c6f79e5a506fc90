package control

import (
	"encoding/binary"
	"testing"

	"gbridge/internal/gberrors"
	"gbridge/internal/greybus"
	"gbridge/internal/manifest"
)

func transferRequest(length uint32, reserved0, reserved1 uint32, data []byte) []byte {
	req := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(req[0:4], length)
	binary.LittleEndian.PutUint32(req[4:8], reserved0)
	binary.LittleEndian.PutUint32(req[8:12], reserved1)
	copy(req[12:], data)
	return req
}

func TestLoopbackTransferEchoesPayload(t *testing.T) {
	data := []byte("ping-pong")
	op := &greybus.Operation{
		Role:    greybus.RoleServer,
		Request: transferRequest(uint32(len(data)), 7, 9, data),
	}

	if err := handleLoopbackTransfer(op); err != nil {
		t.Fatalf("handleLoopbackTransfer() error = %v", err)
	}

	resp := op.Response()
	if len(resp) != 12+len(data) {
		t.Fatalf("response length = %d, want %d", len(resp), 12+len(data))
	}
	if gotLen := binary.LittleEndian.Uint32(resp[0:4]); gotLen != uint32(len(data)) {
		t.Errorf("echoed len = %d, want %d", gotLen, len(data))
	}
	if gotR0 := binary.LittleEndian.Uint32(resp[4:8]); gotR0 != 7 {
		t.Errorf("echoed reserved0 = %d, want 7", gotR0)
	}
	if gotR1 := binary.LittleEndian.Uint32(resp[8:12]); gotR1 != 9 {
		t.Errorf("echoed reserved1 = %d, want 9", gotR1)
	}
	if string(resp[12:]) != string(data) {
		t.Errorf("echoed payload = %q, want %q", resp[12:], data)
	}
}

func TestLoopbackTransferShortRequest(t *testing.T) {
	op := &greybus.Operation{Role: greybus.RoleServer, Request: []byte{1, 2, 3}}
	err := handleLoopbackTransfer(op)
	if err != gberrors.ErrProtocol {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

func TestCPortEnablerRejectsNonLoopbackProtocol(t *testing.T) {
	core := greybus.NewCore(nil, 0)
	enabler := NewCPortEnabler(nil, core)
	err := enabler.EnableCPort(1, manifest.CPort{ID: 4, ProtocolID: 0x00})
	if err != gberrors.ErrInvalid {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}
