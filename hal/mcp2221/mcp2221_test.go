package mcp2221

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huangyizhi11/sh2hal/hal/sim"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// fakeHID scripts the bridge's HID protocol: it parses each command report
// and synthesizes the response the real part would give.
type fakeHID struct {
	mu      sync.Mutex
	lastCmd []byte

	gpio         [4]byte // output levels, 1 = high
	dataReadyLow bool

	readData    []byte        // remaining bytes served to I2C reads
	stall       chan struct{} // next data fetch blocks until closed
	reqReadAddr byte
	reqReadLen  int

	writeAccum []byte
	writeTotal int
	writes     [][]byte
	writeAddr  byte

	closed bool
}

func (f *fakeHID) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCmd = append([]byte{}, b...)
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range b {
		b[i] = 0
	}
	cmd := f.lastCmd
	b[0] = cmd[0]

	switch cmd[0] {
	case cmdStatusSetParams:
		// Always succeeds, cancels nothing the fake tracks.
	case cmdGPIOSet:
		for pin := 0; pin < 4; pin++ {
			i := 2 + 4*pin
			if i+1 < len(cmd) && cmd[i] == 0xFF {
				f.gpio[pin] = cmd[i+1]
			}
		}
	case cmdGPIOGet:
		for pin := 0; pin < 4; pin++ {
			b[2+2*pin] = f.gpio[pin]
		}
		if f.dataReadyLow {
			b[2+2*pinDataReady] = 0
		} else {
			b[2+2*pinDataReady] = 1
		}
	case cmdI2CRead:
		f.reqReadLen = int(cmd[1]) | int(cmd[2])<<8
		f.reqReadAddr = cmd[3]
	case cmdI2CReadGetData:
		if f.stall != nil {
			gate := f.stall
			f.stall = nil
			f.mu.Unlock()
			<-gate
			f.mu.Lock()
		}
		chunk := len(f.readData)
		if chunk > chunkSize {
			chunk = chunkSize
		}
		b[3] = byte(chunk)
		copy(b[4:], f.readData[:chunk])
		f.readData = f.readData[chunk:]
	case cmdI2CWrite:
		f.writeTotal = int(cmd[1]) | int(cmd[2])<<8
		f.writeAddr = cmd[3]
		chunk := f.writeTotal - len(f.writeAccum)
		if chunk > chunkSize {
			chunk = chunkSize
		}
		f.writeAccum = append(f.writeAccum, cmd[4:4+chunk]...)
		if len(f.writeAccum) == f.writeTotal {
			f.writes = append(f.writes, f.writeAccum)
			f.writeAccum = nil
		}
	}
	return len(b), nil
}

func (f *fakeHID) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHID) level(pin int) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gpio[pin]
}

func (f *fakeHID) setDataReady(low bool) {
	f.mu.Lock()
	f.dataReadyLow = low
	f.mu.Unlock()
}

// eventually polls cond until it holds or a wall-clock deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newBridge(t *testing.T) (*Bridge, *fakeHID) {
	t.Helper()
	fake := &fakeHID{}
	// The idle line is high until a test drives it low.
	fake.dataReadyLow = false
	b := NewWithDevice(fake, sim.NewClock())
	t.Cleanup(func() { b.Close() })
	return b, fake
}

func TestBridge_PinMapping(t *testing.T) {
	b, fake := newBridge(t)

	// All three control lines are active low on the hub side.
	b.SetReset(true)
	b.SetBoot(true)
	b.SetWake(false)
	eventually(t, "pins driven low", func() bool {
		return fake.level(pinReset) == 0 && fake.level(pinBoot) == 0 && fake.level(pinWake) == 0
	})

	b.SetReset(false)
	b.SetBoot(false)
	b.SetWake(true)
	eventually(t, "pins driven high", func() bool {
		return fake.level(pinReset) == 1 && fake.level(pinBoot) == 1 && fake.level(pinWake) == 1
	})
}

func TestBridge_DataReadyFallingEdge(t *testing.T) {
	b, fake := newBridge(t)

	var mu sync.Mutex
	edges := 0
	b.Watch(func() {
		mu.Lock()
		edges++
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return edges
	}

	fake.setDataReady(true)
	eventually(t, "first edge", func() bool { return count() == 1 })

	// Holding the line low raises no further edges.
	time.Sleep(20 * time.Millisecond)
	if got := count(); got != 1 {
		t.Fatalf("edges while held low = %d, want 1", got)
	}

	fake.setDataReady(false)
	fake.setDataReady(true)
	eventually(t, "second edge", func() bool { return count() == 2 })
}

func TestBridge_ReadTransfer(t *testing.T) {
	b, fake := newBridge(t)

	done := make(chan struct{}, 1)
	if err := b.Arm(func() { done <- struct{}{} }, nil); err != nil {
		t.Fatalf("Arm() = %v", err)
	}

	fake.mu.Lock()
	fake.readData = []byte{0x10, 0x20, 0x30, 0x40, 0x50}
	fake.mu.Unlock()

	buf := make([]byte, 5)
	if err := b.StartRead(0x4A, buf); err != nil {
		t.Fatalf("StartRead() = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}

	if !bytes.Equal(buf, []byte{0x10, 0x20, 0x30, 0x40, 0x50}) {
		t.Errorf("read = %x", buf)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.reqReadAddr != 0x4A<<1|1 {
		t.Errorf("address byte = %#02x, want %#02x", fake.reqReadAddr, 0x4A<<1|1)
	}
	if fake.reqReadLen != 5 {
		t.Errorf("requested length = %d, want 5", fake.reqReadLen)
	}
}

func TestBridge_WriteTransferChunked(t *testing.T) {
	b, fake := newBridge(t)

	done := make(chan struct{}, 1)
	if err := b.Arm(nil, func() { done <- struct{}{} }); err != nil {
		t.Fatalf("Arm() = %v", err)
	}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := b.StartWrite(0x4A, data); err != nil {
		t.Fatalf("StartWrite() = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.writes) != 1 || !bytes.Equal(fake.writes[0], data) {
		t.Errorf("device saw %d writes, first %d bytes", len(fake.writes), len(fake.writes[0]))
	}
	if fake.writeAddr != 0x4A<<1 {
		t.Errorf("address byte = %#02x, want %#02x", fake.writeAddr, 0x4A<<1)
	}
}

func TestBridge_TransferGating(t *testing.T) {
	b, fake := newBridge(t)

	if err := b.StartRead(0x4A, make([]byte, 2)); !errors.Is(err, pkg.ErrNotOpen) {
		t.Fatalf("StartRead() unarmed = %v, want ErrNotOpen", err)
	}

	done := make(chan struct{}, 1)
	if err := b.Arm(func() { done <- struct{}{} }, nil); err != nil {
		t.Fatalf("Arm() = %v", err)
	}

	// Stall the engine so the first transfer stays in flight.
	gate := make(chan struct{})
	fake.mu.Lock()
	fake.stall = gate
	fake.readData = []byte{0x01, 0x02}
	fake.mu.Unlock()

	if err := b.StartRead(0x4A, make([]byte, 2)); err != nil {
		t.Fatalf("StartRead() = %v", err)
	}
	if err := b.StartRead(0x4A, make([]byte, 2)); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("overlapping StartRead() = %v, want ErrBusy", err)
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stalled read to finish")
	}
}

func TestBridge_CloseReleasesDevice(t *testing.T) {
	fake := &fakeHID{}
	b := NewWithDevice(fake, sim.NewClock())

	if err := b.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.closed {
		t.Error("HID handle left open after Close")
	}
}
