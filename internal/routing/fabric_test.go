package routing

import (
	"sort"
	"sync"
	"testing"
)

type recordingController struct {
	name string
	mu   sync.Mutex
	sent [][]byte
}

func (c *recordingController) Name() string { return c.name }

func (c *recordingController) Write(conn *Connection, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), msg...))
	return nil
}

func (c *recordingController) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type countingNotifier struct {
	mu  sync.Mutex
	ids []uint8
}

func (n *countingNotifier) ModuleInserted(intfID uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, intfID)
	return nil
}

type failingNotifier struct{ fail bool }

func (n *failingNotifier) ModuleInserted(intfID uint8) error {
	if n.fail {
		return errFail
	}
	return nil
}

var errFail = &failError{}

type failError struct{}

func (*failError) Error() string { return "hotplug notification refused" }

type recordingHost struct {
	mu  sync.Mutex
	got map[uint16][]byte
}

func newRecordingHost() *recordingHost {
	return &recordingHost{got: make(map[uint16][]byte)}
}

func (h *recordingHost) SendToHost(cportID uint16, msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got[cportID] = append([]byte(nil), msg...)
	return nil
}

func TestCreateInterfaceConcurrentAllocationIsContiguous(t *testing.T) {
	notifier := &countingNotifier{}
	f := NewFabric(nil, notifier)
	ctrl := &recordingController{name: "sim"}

	const n = 50
	var wg sync.WaitGroup
	ids := make([]uint8, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intf, err := f.CreateInterface(ctrl, 1, 1, uint64(i))
			if err != nil {
				t.Errorf("CreateInterface() error = %v", err)
				return
			}
			ids[i] = intf.ID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	seen := make(map[uint8]bool)
	for i, id := range ids {
		want := uint8(i + 1)
		if id != want {
			t.Fatalf("ids not contiguous from 1: got %v at sorted position %d, want %d", id, i, want)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestCreateInterfaceTeardownOnHotplugFailure(t *testing.T) {
	notifier := &failingNotifier{fail: true}
	f := NewFabric(nil, notifier)
	ctrl := &recordingController{name: "sim"}

	_, err := f.CreateInterface(ctrl, 1, 1, 1)
	if err == nil {
		t.Fatal("expected error from failing notifier")
	}
	if _, ok := f.GetInterface(1); ok {
		t.Error("interface should have been torn down after hotplug failure")
	}
}

func TestConnectionCreateForwardRoundTrip(t *testing.T) {
	notifier := &countingNotifier{}
	f := NewFabric(nil, notifier)
	ctrl := &recordingController{name: "sim"}

	intf, err := f.CreateInterface(ctrl, 1, 1, 1)
	if err != nil {
		t.Fatalf("CreateInterface() error = %v", err)
	}

	if err := f.ConnectionCreate(0, 10, intf.ID, 4); err != nil {
		t.Fatalf("ConnectionCreate() error = %v", err)
	}

	msg := []byte{8, 0, 1, 0, 0x10, 0, 0, 0}
	if err := f.ForwardToModule(10, msg); err != nil {
		t.Fatalf("ForwardToModule() error = %v", err)
	}
	got := ctrl.last()
	if len(got) != len(msg) {
		t.Fatalf("controller received %d bytes, want %d", len(got), len(msg))
	}
	if got[6] != 4 || got[7] != 0 {
		t.Errorf("forwarded message pad bytes = %v, want module cport 4 little-endian", got[6:8])
	}

	host := newRecordingHost()
	f.SetHost(host)
	reply := []byte{5, 6, 7}
	if err := f.ForwardToHost(intf.ID, 4, reply); err != nil {
		t.Fatalf("ForwardToHost() error = %v", err)
	}
	if got := host.got[10]; string(got) != string(reply) {
		t.Errorf("host received %v on cport 10, want %v", got, reply)
	}

	if err := f.ConnectionDestroy(0, 10, intf.ID, 4); err != nil {
		t.Fatalf("ConnectionDestroy() error = %v", err)
	}
	if err := f.ForwardToModule(10, msg); err == nil {
		t.Error("expected error forwarding on destroyed connection")
	}
}

func TestDestroyInterfaceRemovesItsConnections(t *testing.T) {
	notifier := &countingNotifier{}
	f := NewFabric(nil, notifier)
	ctrl := &recordingController{name: "sim"}

	intf, err := f.CreateInterface(ctrl, 1, 1, 1)
	if err != nil {
		t.Fatalf("CreateInterface() error = %v", err)
	}
	if err := f.ConnectionCreate(0, 10, intf.ID, 4); err != nil {
		t.Fatalf("ConnectionCreate() error = %v", err)
	}

	f.DestroyInterface(intf)

	if err := f.ForwardToModule(10, []byte{1}); err == nil {
		t.Error("expected forward to fail after interface destroyed")
	}
}
