package flingserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/wire"
)

// presentKeepalive is the connection-cancellation timeout, rearmed on
// every inbound message. This
// distillation's wire protocol carries no distinct PROGRESS message, so
// every inbound request rearms the same timer.
const presentKeepalive = 15 * time.Second

// Client is one accepted control connection: a handshake state machine
// plus the set of image groups it has created. It implements dispatch.Handler.
type Client struct {
	log zerolog.Logger
	h   fdh.Handle
	srv *Server

	mu          sync.Mutex
	helloOK     bool
	name        string
	device      PhysicalDevice
	deviceBound bool
	crossDevice bool
	groups      map[uint64]*ImageGroup
	lastPresentID uint64
	keepaliveAt time.Time
}

// newClient wraps an accepted connection. Matches dispatch.HandlerFactory.
func (s *Server) newClient(fd int) (*Client, error) {
	h, err := fdh.New(fd, false)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:    s.log.With().Str("component", "flingclient").Logger(),
		h:      h,
		srv:    s,
		groups: make(map[uint64]*ImageGroup),
	}
	c.keepaliveAt = time.Now()
	return c, nil
}

func (c *Client) FD() int { return c.h.FD() }

// Ready reads and handles exactly one framed message (SOCK_SEQPACKET
// preserves message boundaries, so one Recv == one message).
func (c *Client) Ready(events uint32) error {
	msg, err := wire.Recv(c.h.FD())
	if err != nil {
		return err
	}
	defer msg.CloseUnclaimed()

	c.mu.Lock()
	c.keepaliveAt = time.Now()
	c.mu.Unlock()

	return c.handle(msg)
}

// Close releases every image group the client created and closes the
// socket.
func (c *Client) Close() error {
	c.mu.Lock()
	groups := c.groups
	c.groups = nil
	c.mu.Unlock()

	for _, g := range groups {
		g.Release(c.srv.gpu)
	}
	c.srv.scheduler.removeClient(c)
	c.srv.unregisterClient(c.h.FD())
	return c.h.Close()
}

// KeepaliveExpired reports whether more than presentKeepalive has
// elapsed since the last inbound message.
func (c *Client) KeepaliveExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.keepaliveAt) > presentKeepalive
}

func (c *Client) reply(serial uint64, typ wire.Type, payload []byte) {
	if _, err := wire.Send(c.h.FD(), typ, serial, payload, nil); err != nil {
		c.log.Warn().Err(err).Msg("flingserver: reply send failed")
	}
}

// replyProtocolError answers a message that violates connection-level
// framing/sequencing expectations (unknown type, wrong message for the
// handshake state, stale or out-of-range references to prior state).
func (c *Client) replyProtocolError(serial uint64) {
	c.reply(serial, wire.TypeErrorProtocol, nil)
}

// replyParameterError answers a message whose fields are individually
// invalid (ImageGroup semantic validation, non-monotonic present ids).
func (c *Client) replyParameterError(serial uint64) {
	c.reply(serial, wire.TypeErrorParameter, nil)
}

func (c *Client) handle(msg wire.Message) error {
	switch msg.Type {
	case wire.TypeClientHello:
		return c.handleClientHello(msg)
	case wire.TypeDevice:
		return c.handleDevice(msg)
	case wire.TypeImageGroup:
		return c.handleImageGroup(msg)
	case wire.TypePresentImage:
		return c.handlePresentImage(msg)
	case wire.TypeGamepadState:
		return c.handleGamepadState(msg)
	default:
		c.replyProtocolError(msg.Serial)
		return fmt.Errorf("flingserver: unexpected message type %v", msg.Type)
	}
}

func (c *Client) handleClientHello(msg wire.Message) error {
	hello := wire.ParseClientHello(msg.Payload)
	if hello.Intent != wire.IntentVulkanExternalStream {
		c.reply(msg.Serial, wire.TypeErrorParameter, nil)
		return fmt.Errorf("flingserver: unexpected client intent %d", hello.Intent)
	}

	c.mu.Lock()
	c.helloOK = true
	c.name = hello.Name
	c.mu.Unlock()

	reply := wire.ServerHello{Version: 1}
	c.reply(msg.Serial, wire.TypeServerHello, reply.Marshal())
	return nil
}

func (c *Client) handleDevice(msg wire.Message) error {
	d := wire.ParseDevice(msg.Payload)
	pd, err := c.srv.devices.Match(d)
	if err != nil {
		c.replyParameterError(msg.Serial)
		return err
	}

	c.mu.Lock()
	c.device = pd
	c.deviceBound = true
	c.crossDevice = c.srv.devices.CrossDevice(pd)
	c.mu.Unlock()

	c.reply(msg.Serial, wire.TypeOK, nil)
	return nil
}

func (c *Client) handleImageGroup(msg wire.Message) error {
	c.mu.Lock()
	bound := c.deviceBound
	crossDevice := c.crossDevice
	c.mu.Unlock()
	if !bound {
		c.replyProtocolError(msg.Serial)
		return fmt.Errorf("flingserver: ImageGroup before Device")
	}

	g := wire.ParseImageGroup(msg.Payload)
	memFDs := make([]int, 0, len(msg.FDs))
	for len(msg.FDs) > 0 {
		memFDs = append(memFDs, msg.TakeFD(0))
	}

	group, err := ImportImageGroup(c.srv.gpu, g, memFDs, crossDevice)
	if err != nil {
		c.replyParameterError(msg.Serial)
		return err
	}

	c.mu.Lock()
	if old, ok := c.groups[g.Serial]; ok {
		old.Release(c.srv.gpu)
	}
	c.groups[g.Serial] = group
	c.mu.Unlock()

	c.srv.scheduler.registerGroup(c, group)
	c.reply(msg.Serial, wire.TypeOK, nil)
	return nil
}

func (c *Client) handlePresentImage(msg wire.Message) error {
	p := wire.ParsePresentImage(msg.Payload)
	releaseSemFD := msg.TakeFD(0)

	c.mu.Lock()
	group := c.groups[p.GroupSerial]
	crossDevice := c.crossDevice
	lastID := c.lastPresentID
	c.mu.Unlock()

	if group == nil || group.Serial != p.GroupSerial {
		c.replyProtocolError(msg.Serial)
		return fmt.Errorf("flingserver: stale image group serial %d", p.GroupSerial)
	}
	if int(p.ImageIndex) >= len(group.Images) {
		c.replyProtocolError(msg.Serial)
		return fmt.Errorf("flingserver: image index %d out of range", p.ImageIndex)
	}
	if p.PresentID <= lastID {
		c.replyParameterError(msg.Serial)
		return fmt.Errorf("flingserver: non-monotonic present id %d", p.PresentID)
	}

	if err := processPresent(c, group, p, releaseSemFD, crossDevice); err != nil {
		c.replyParameterError(msg.Serial)
		return err
	}

	c.mu.Lock()
	c.lastPresentID = p.PresentID
	c.mu.Unlock()

	c.reply(msg.Serial, wire.TypeOK, nil)
	return nil
}

// handleGamepadState accepts one gamepad-state sample from a forwarding
// client (e.g. cmd/pyrofling-gamepad) and rebroadcasts it as an event to
// every other connected client, letting the capture side's
// pkg/gamepad.Forwarder inject it into a virtual gamepad.
func (c *Client) handleGamepadState(msg wire.Message) error {
	state := wire.ParseGamepadState(msg.Payload)
	c.srv.broadcastGamepadEvent(c, state)
	c.reply(msg.Serial, wire.TypeOK, nil)
	return nil
}

// sendEvent transmits a serial-0 event message to this client.
func (c *Client) sendEvent(typ wire.Type, payload []byte, fds []int) {
	if _, err := wire.Send(c.h.FD(), typ, 0, payload, fds); err != nil {
		c.log.Warn().Err(err).Msg("flingserver: event send failed")
	}
}
