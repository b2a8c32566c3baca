package wire

import (
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	hello := ClientHello{Intent: IntentVulkanExternalStream, Version: 1, Name: "test-app"}
	ok, err := Send(a, TypeClientHello, 1, hello.Marshal(), nil)
	if err != nil || !ok {
		t.Fatalf("send failed: ok=%v err=%v", ok, err)
	}

	msg, err := Recv(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Serial != 1 || msg.Type != TypeClientHello {
		t.Fatalf("unexpected message: %+v", msg)
	}
	got := ParseClientHello(msg.Payload)
	if got.Name != "test-app" || got.Intent != IntentVulkanExternalStream {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestSendRecvWithFD(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	r, w, err := pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	dev := Device{DeviceUUID: uuid.New(), DriverUUID: uuid.New(), LUID: 42, LUIDValid: true}
	ok, err := Send(a, TypeDevice, 2, dev.Marshal(), nil)
	if err != nil || !ok {
		t.Fatalf("send device: ok=%v err=%v", ok, err)
	}
	msg, err := Recv(b)
	if err != nil {
		t.Fatal(err)
	}
	got := ParseDevice(msg.Payload)
	if got.LUID != 42 || !got.LUIDValid {
		t.Fatalf("device mismatch: %+v", got)
	}

	group := ImageGroup{Serial: 7, Width: 256, Height: 256, ImageCount: 3}
	ok, err = Send(a, TypeImageGroup, 3, group.Marshal(), []int{r})
	if err != nil || !ok {
		t.Fatalf("send imagegroup: ok=%v err=%v", ok, err)
	}
	msg, err = Recv(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.FDs) != 1 {
		t.Fatalf("expected 1 fd, got %d", len(msg.FDs))
	}
	fd := msg.TakeFD(0)
	if fd < 0 {
		t.Fatal("takefd failed")
	}
	unix.Close(fd)
}

func TestRecvRejectsBadMagic(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	hdr := Header{Magic: 0xdeadbeef, Serial: 1, Type: TypeOK, PayloadLen: 0}
	hb := hdr.marshal()
	if err := unix.Sendmsg(a, hb[:], nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := Recv(b); err != ErrMagicMismatch {
		t.Fatalf("expected ErrMagicMismatch, got %v", err)
	}
}

func TestImageGroupRequiresFD(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	group := ImageGroup{Serial: 1}
	ok, err := Send(a, TypeImageGroup, 1, group.Marshal(), nil)
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	if _, err := Recv(b); err != ErrMissingFD {
		t.Fatalf("expected ErrMissingFD, got %v", err)
	}
}

func TestGamepadStateRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	state := GamepadState{AxisLX: -100, AxisRY: 200, HatX: -1, HatY: 1, LZ: 10, RZ: 200, Buttons: 0x41}
	ok, err := Send(a, TypeGamepadState, 1, state.Marshal(), nil)
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	msg, err := Recv(b)
	if err != nil {
		t.Fatal(err)
	}
	got := ParseGamepadState(msg.Payload)
	if got != state {
		t.Fatalf("gamepad state mismatch: got %+v want %+v", got, state)
	}
}

func pipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
