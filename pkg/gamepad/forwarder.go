package gamepad

import (
	"fmt"

	"github.com/Themaister/pyrofling/pkg/ipc"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// Send submits one gamepad-state sample as a request over session,
// mirroring PyroStreamClient::send_gamepad_state. The caller is expected
// to drive session.Wait/WaitReplyForSerial itself, exactly as any other
// request.
func Send(session *ipc.Session, state State) uint64 {
	payload := state.ToWire().Marshal()
	session.Lock()
	serial := session.SendMessage(wire.TypeGamepadState, payload, nil)
	session.Unlock()
	return serial
}

// Forwarder injects incoming wire.TypeGamepadEvent samples into a
// VirtualGamepad: the server rebroadcasts a forwarding client's samples
// to every other connected client, and this is what consumes them
// there.
type Forwarder struct {
	vg *VirtualGamepad
}

// NewForwarder wraps vg. Passing a nil vg is valid and makes HandleEvent
// a no-op, useful on platforms lacking uinput.
func NewForwarder(vg *VirtualGamepad) *Forwarder {
	return &Forwarder{vg: vg}
}

// EventSource is the narrow capability Forwarder needs from a capture
// session: somewhere to ride alongside the present-path event handler
// instead of replacing it (satisfied by capture.Session).
type EventSource interface {
	SetAuxiliaryEventHandler(wire.EventHandler)
}

// Install registers f to receive gamepad events on src, without
// disturbing whatever primary event handling src already does.
func (f *Forwarder) Install(src EventSource) {
	src.SetAuxiliaryEventHandler(f.HandleEvent)
}

// HandleEvent decodes msg as a gamepad event and reports it to the
// virtual gamepad. Non-gamepad events are ignored so this can be the
// sole event handler even when other event types exist on the session.
func (f *Forwarder) HandleEvent(msg wire.Message) error {
	if msg.Type != wire.TypeGamepadEvent {
		return nil
	}
	if f.vg == nil {
		return nil
	}
	state := FromWire(wire.ParseGamepadState(msg.Payload))
	if err := f.vg.Report(state); err != nil {
		return fmt.Errorf("gamepad: report state: %w", err)
	}
	return nil
}
