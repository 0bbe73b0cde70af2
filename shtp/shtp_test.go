package shtp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/hal/sim"
	"github.com/huangyizhi11/sh2hal/pkg"
	"github.com/huangyizhi11/sh2hal/transport"
)

func newRig(t *testing.T, cfg sim.Config) (*sim.Hub, *transport.Hardware) {
	t.Helper()
	hub := sim.NewHub(cfg)
	t.Cleanup(hub.Close)
	return hub, transport.NewHardware(sim.NewClock(), hub, hub)
}

// readFrame polls the transport until a frame arrives, letting the hub
// deliver queued events between polls.
func readFrame(t *testing.T, hub *sim.Hub, tr *transport.Transport) ([]byte, uint32) {
	t.Helper()
	buf := make([]byte, hal.MaxTransferIn)
	for i := 0; i < 100; i++ {
		hub.Settle()
		n, ts, err := tr.Read(buf)
		if err != nil {
			t.Fatalf("Read() = %v", err)
		}
		if n > 0 {
			return buf[:n], ts
		}
	}
	t.Fatal("no frame arrived")
	return nil, 0
}

func TestOpenDeliversBootAdvertisement(t *testing.T) {
	adv := []byte{0x00, 0x01, 0x04, 0x00, 0x00}
	hub, hw := newRig(t, sim.Config{Advertisement: adv})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	frame, _ := readFrame(t, hub, tr)
	if !bytes.Equal(frame, adv) {
		t.Errorf("first frame = %x, want %x", frame, adv)
	}
}

func TestOpenTimesOutOnSilentHub(t *testing.T) {
	_, hw := newRig(t, sim.Config{Advertisement: []byte{}})
	tr := New(hw, Config{})

	if err := tr.Open(); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Open() = %v, want ErrTimeout", err)
	}

	// The failed open released the hardware; a hub that answers this
	// time opens fine.
	_, hw2 := newRig(t, sim.Config{})
	tr2 := New(hw2, Config{})
	if err := tr2.Open(); err != nil {
		t.Fatalf("Open() after healthy reset = %v", err)
	}
	tr2.Close()
}

func TestAlternateAddress(t *testing.T) {
	hub, hw := newRig(t, sim.Config{Addr: DeviceAddrAlt})
	tr := New(hw, Config{Addr: DeviceAddrAlt})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	if frame, _ := readFrame(t, hub, tr); len(frame) == 0 {
		t.Error("no advertisement on the alternate address")
	}
}

func TestWriteReachesHub(t *testing.T) {
	hub, hw := newRig(t, sim.Config{})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()
	readFrame(t, hub, tr) // drain the advertisement

	cmd := []byte{0x02, 0x01, 0xF9, 0x00} // product id request
	n, err := tr.Write(cmd)
	if err != nil || n != len(cmd) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	hub.Settle()

	writes := hub.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], cmd) {
		t.Errorf("hub saw %x, want %x", writes, cmd)
	}
}

func TestNewerFrameSupersedesUnread(t *testing.T) {
	hub, hw := newRig(t, sim.Config{Advertisement: []byte{}})
	tr := New(hw, Config{})

	// A silent hub boots nothing; post the startup frame by hand so the
	// open edge still arrives.
	done := make(chan error, 1)
	go func() { done <- tr.Open() }()
	hub.Post([]byte{0x01})
	if err := <-done; err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()
	readFrame(t, hub, tr)

	hub.Post([]byte{0xAA, 0xAA})
	hub.Settle()
	hub.Post([]byte{0xBB, 0xBB})
	hub.Settle()

	frame, _ := readFrame(t, hub, tr)
	if !bytes.Equal(frame, []byte{0xBB, 0xBB}) {
		t.Errorf("frame = %x, want the newer bbbb", frame)
	}
	if d := tr.Discards(); d != 1 {
		t.Errorf("Discards() = %d, want 1", d)
	}
}

func TestSequentialFramesAllDelivered(t *testing.T) {
	hub, hw := newRig(t, sim.Config{})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()
	readFrame(t, hub, tr)

	want := [][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05}, {0x06}}
	for _, w := range want {
		hub.Post(w)
		frame, _ := readFrame(t, hub, tr)
		if !bytes.Equal(frame, w) {
			t.Errorf("frame = %x, want %x", frame, w)
		}
	}
	if d := tr.Discards(); d != 0 {
		t.Errorf("Discards() = %d, want 0", d)
	}
}
