package dfu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/huangyizhi11/sh2hal/hal/sim"
	"github.com/huangyizhi11/sh2hal/pkg"
	"github.com/huangyizhi11/sh2hal/shtp"
	"github.com/huangyizhi11/sh2hal/transport"
)

func newRig(t *testing.T, cfg sim.Config) (*sim.Hub, *transport.Hardware) {
	t.Helper()
	hub := sim.NewHub(cfg)
	t.Cleanup(hub.Close)
	return hub, transport.NewHardware(sim.NewClock(), hub, hub)
}

// readResponse polls for a fixed-size bootloader response. The first poll
// hands the expected size to the transport; later polls collect the data.
func readResponse(t *testing.T, hub *sim.Hub, tr *transport.Transport, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	for i := 0; i < 100; i++ {
		hub.Settle()
		n, _, err := tr.Read(buf)
		if err != nil {
			t.Fatalf("Read() = %v", err)
		}
		if n > 0 {
			return buf[:n]
		}
	}
	t.Fatal("no response arrived")
	return nil
}

func TestOpenEntersBootloader(t *testing.T) {
	hub, hw := newRig(t, sim.Config{})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	if !hub.Bootloader() {
		t.Error("hub latched the runtime personality, want bootloader")
	}
}

func TestCommandResponseRoundTrip(t *testing.T) {
	hub, hw := newRig(t, sim.Config{})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	// Send an update-protocol command.
	cmd := []byte{0x01, 0x00, 0x00, 0x00, 0x40}
	n, err := tr.Write(cmd)
	if err != nil || n != len(cmd) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	hub.Settle()
	if writes := hub.Writes(); len(writes) != 1 || !bytes.Equal(writes[0], cmd) {
		t.Fatalf("hub saw %x, want %x", writes, cmd)
	}

	// The bootloader answers with a fixed-size status the caller knows
	// the length of.
	status := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	hub.Post(status)
	got := readResponse(t, hub, tr, len(status))
	if !bytes.Equal(got, status) {
		t.Errorf("response = %x, want %x", got, status)
	}
}

func TestReadWithoutDataStartsNothing(t *testing.T) {
	hub, hw := newRig(t, sim.Config{})
	tr := New(hw, Config{})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	buf := make([]byte, 16)
	for i := 0; i < 5; i++ {
		hub.Settle()
		if n, _, err := tr.Read(buf); n != 0 || err != nil {
			t.Fatalf("Read() = %d, %v, want nothing", n, err)
		}
	}
}

func TestPersonalitiesShareHardwareExclusively(t *testing.T) {
	_, hw := newRig(t, sim.Config{})
	boot := New(hw, Config{})
	runtime := shtp.New(hw, shtp.Config{})

	if err := boot.Open(); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := runtime.Open(); !errors.Is(err, pkg.ErrAlreadyOpen) {
		t.Errorf("runtime Open() while bootloader open = %v, want ErrAlreadyOpen", err)
	}

	// Closing the bootloader frees the hardware for the runtime.
	boot.Close()
	if err := runtime.Open(); err != nil {
		t.Errorf("runtime Open() after close = %v", err)
	}
	runtime.Close()
}
