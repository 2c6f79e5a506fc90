package svc

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"gbridge/internal/gberrors"
	"gbridge/internal/greybus"
	"gbridge/internal/wire"
)

type recordingHost struct {
	mu  sync.Mutex
	out [][]byte
}

func (h *recordingHost) Send(msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = append(h.out, append([]byte(nil), msg...))
	return nil
}

func (h *recordingHost) last() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.out) == 0 {
		return nil
	}
	return h.out[len(h.out)-1]
}

func (h *recordingHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.out)
}

type fakeRouter struct {
	created  []connArgs
	destroyed []connArgs
	failCreate bool
}

type connArgs struct {
	intf1  uint8
	cport1 uint16
	intf2  uint8
	cport2 uint16
}

func (r *fakeRouter) ConnectionCreate(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error {
	if r.failCreate {
		return gberrors.ErrInvalid
	}
	r.created = append(r.created, connArgs{intf1, cport1, intf2, cport2})
	return nil
}

func (r *fakeRouter) ConnectionDestroy(intf1 uint8, cport1 uint16, intf2 uint8, cport2 uint16) error {
	r.destroyed = append(r.destroyed, connArgs{intf1, cport1, intf2, cport2})
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *greybus.Core, *recordingHost, *fakeRouter) {
	t.Helper()
	core := greybus.NewCore(nil, 0)
	host := &recordingHost{}
	router := &fakeRouter{}
	d := New(nil, core, host, router)
	if err := d.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return d, core, host, router
}

// TestBootstrapHandshake drives the handshake scenario from the spec's
// end-to-end section: PROTOCOL_VERSION request, a version response from
// the host, then SVC_HELLO, then the hello response bringing SVC to READY.
// It checks message types, the message count and the HELLO endo id, not
// every byte of each frame.
func TestBootstrapHandshake(t *testing.T) {
	d, core, host, _ := newTestDriver(t)

	ready := false
	d.OnReady(func() { ready = true })

	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if host.count() != 1 {
		t.Fatalf("expected one outbound message after Start, got %d", host.count())
	}
	versionReq := host.last()
	hdr := wire.UnpackHeader(versionReq)
	if hdr.Type != TypeProtocolVersion || hdr.IsResponse() {
		t.Fatalf("expected PROTOCOL_VERSION request, got type %#x", hdr.Type)
	}

	// Host responds with major=2, minor=1.
	versionResp := buildResponse(hdr.OpID, TypeProtocolVersion, 0, []byte{2, 1})
	if err := core.HandleInbound(APInterfaceID, CPortID, versionResp, host); err != nil {
		t.Fatalf("HandleInbound(version resp) error = %v", err)
	}
	if ready {
		t.Fatalf("should not be ready until hello response arrives")
	}
	if host.count() != 2 {
		t.Fatalf("expected SVC_HELLO to follow version response, got %d messages", host.count())
	}
	helloReq := host.last()
	helloHdr := wire.UnpackHeader(helloReq)
	if helloHdr.Type != TypeSVCHello {
		t.Fatalf("expected SVC_HELLO request, got type %#x", helloHdr.Type)
	}
	gotEndo := binary.LittleEndian.Uint16(helloReq[wire.HeaderSize : wire.HeaderSize+2])
	if gotEndo != EndoID {
		t.Errorf("hello endo id = %#x, want %#x", gotEndo, EndoID)
	}

	helloResp := buildResponse(helloHdr.OpID, TypeSVCHello, 0, nil)
	if err := core.HandleInbound(APInterfaceID, CPortID, helloResp, host); err != nil {
		t.Fatalf("HandleInbound(hello resp) error = %v", err)
	}
	if !ready {
		t.Fatalf("expected OnReady to fire after hello response")
	}
}

func TestModuleInsertedPayload(t *testing.T) {
	d, _, host, _ := newTestDriver(t)
	if err := d.ModuleInserted(5); err != nil {
		t.Fatalf("ModuleInserted() error = %v", err)
	}
	msg := host.last()
	hdr := wire.UnpackHeader(msg)
	if hdr.Type != TypeModuleInserted {
		t.Fatalf("type = %#x, want MODULE_INSERTED", hdr.Type)
	}
	payload := msg[wire.HeaderSize:]
	if len(payload) != 2 || payload[0] != 5 || payload[1] != 1 {
		t.Errorf("payload = %v, want [5 1]", payload)
	}
}

func TestDMEPeerGetReturnsConstantAttribute(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	op := &greybus.Operation{Role: greybus.RoleServer}
	if err := d.handleDMEPeerGet(op); err != nil {
		t.Fatalf("handleDMEPeerGet() error = %v", err)
	}
	attr := binary.LittleEndian.Uint32(op.Response()[2:6])
	if attr != 0x0126 {
		t.Errorf("attr value = %#x, want 0x0126", attr)
	}
}

func TestConnCreateDelegatesToRouter(t *testing.T) {
	d, _, _, router := newTestDriver(t)
	req := make([]byte, 6)
	req[0] = 0
	binary.LittleEndian.PutUint16(req[1:3], 7)
	req[3] = 1
	binary.LittleEndian.PutUint16(req[4:6], 3)

	op := &greybus.Operation{Role: greybus.RoleServer, Request: req}
	if err := d.handleConnCreate(op); err != nil {
		t.Fatalf("handleConnCreate() error = %v", err)
	}
	if len(router.created) != 1 {
		t.Fatalf("expected one ConnectionCreate call, got %d", len(router.created))
	}
	got := router.created[0]
	want := connArgs{intf1: 0, cport1: 7, intf2: 1, cport2: 3}
	if got != want {
		t.Errorf("ConnectionCreate args = %+v, want %+v", got, want)
	}
}

func TestConnCreateRejectsShortPayload(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	op := &greybus.Operation{Role: greybus.RoleServer, Request: []byte{1, 2, 3}}
	err := d.handleConnCreate(op)
	if !errors.Is(err, gberrors.ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
}

func TestIntfSetPwrmHibernateBothDirections(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	req := make([]byte, 8)
	req[2] = UniproHibernateMode
	req[7] = UniproHibernateMode
	op := &greybus.Operation{Role: greybus.RoleServer, Request: req}
	if err := d.handleIntfSetPwrm(op); err != nil {
		t.Fatalf("handleIntfSetPwrm() error = %v", err)
	}
	if got := op.Response()[0]; got != SetPwrmPwrOK {
		t.Errorf("pwrm result = %#x, want PWR_OK", got)
	}
}

func TestIntfSetPwrmNonHibernateFallsBackToLocal(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	req := make([]byte, 8)
	req[2] = 0x01
	req[7] = UniproHibernateMode
	op := &greybus.Operation{Role: greybus.RoleServer, Request: req}
	if err := d.handleIntfSetPwrm(op); err != nil {
		t.Fatalf("handleIntfSetPwrm() error = %v", err)
	}
	if got := op.Response()[0]; got != SetPwrmPwrLocal {
		t.Errorf("pwrm result = %#x, want PWR_LOCAL", got)
	}
}

func TestIntfActivateReturnsGreybusType(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	op := &greybus.Operation{Role: greybus.RoleServer}
	if err := d.handleIntfActivate(op); err != nil {
		t.Fatalf("handleIntfActivate() error = %v", err)
	}
	resp := op.Response()
	if resp[0] != OpSuccess || resp[1] != IntfTypeGreybus {
		t.Errorf("response = %v, want [OK GREYBUS]", resp)
	}
}

func TestPwrmonRailCountGetReturnsZero(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	op := &greybus.Operation{Role: greybus.RoleServer}
	if err := d.handlePwrmonRailCountGet(op); err != nil {
		t.Fatalf("handlePwrmonRailCountGet() error = %v", err)
	}
	if op.Response()[0] != 0 {
		t.Errorf("rail count = %d, want 0", op.Response()[0])
	}
}

// buildResponse assembles a complete wire message for a response the test
// feeds back into Core.HandleInbound, mirroring what the host would send.
func buildResponse(opID uint16, reqType uint8, result uint8, payload []byte) []byte {
	size := wire.HeaderSize + len(payload)
	msg := make([]byte, size)
	hdr := wire.Header{Size: uint16(size), OpID: opID, Type: wire.ResponseType(reqType), Result: result}
	packed := hdr.Pack()
	copy(msg, packed[:])
	copy(msg[wire.HeaderSize:], payload)
	return msg
}
