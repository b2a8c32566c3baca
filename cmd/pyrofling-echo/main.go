// pyrofling-echo is a self-contained smoke test for the control
// protocol: it runs an echo listener (accepts one ClientHello carrying
// wire.IntentEchoStream, then replies OK to every EchoPayload it
// receives) and, in the same process, an ipc.Session client that dials
// it and sends a few memfd-backed payloads.
//
// Grounded on examples/echo.cpp's TestServer/EchoRepeater pair: that
// program runs a Dispatcher and a Client in the same binary over a
// throwaway socket purely to exercise the protocol end to end, which is
// exactly what this command is for.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/Themaister/pyrofling/pkg/dispatch"
	"github.com/Themaister/pyrofling/pkg/fdh"
	"github.com/Themaister/pyrofling/pkg/ipc"
	"github.com/Themaister/pyrofling/pkg/logging"
	"github.com/Themaister/pyrofling/pkg/wire"
)

var (
	socketPath string
	appName    string
	iterations int
	logLevel   string
	logPretty  bool
)

func main() {
	root := &cobra.Command{
		Use:   "pyrofling-echo",
		Short: "Exercise the control protocol with a throwaway echo listener and client",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&socketPath, "socket", "/tmp/pyrofling-echo-socket", "throwaway control socket path")
	flags.StringVar(&appName, "name", "pyrofling-echo", "client app name sent in ClientHello")
	flags.IntVar(&iterations, "count", 3, "number of echo payloads to send")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&logPretty, "log-pretty", true, "use the human-readable console log writer")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logLevel, logPretty)
	log := logging.Component("pyrofling-echo")

	loop, err := dispatch.New(log)
	if err != nil {
		return fmt.Errorf("pyrofling-echo: new dispatch loop: %w", err)
	}
	if err := loop.ListenSeqpacket(socketPath, acceptEchoConn(log)); err != nil {
		return fmt.Errorf("pyrofling-echo: listen %s: %w", socketPath, err)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(8) }()

	if err := runClient(log); err != nil {
		loop.Close()
		<-loopErr
		return err
	}

	if err := loop.Close(); err != nil {
		log.Warn().Err(err).Msg("pyrofling-echo: loop close")
	}
	if err := <-loopErr; err != nil {
		log.Debug().Err(err).Msg("pyrofling-echo: loop stopped")
	}

	log.Info().Msg("pyrofling-echo: done")
	return nil
}

// runClient dials the listener started in run, performs the hello
// handshake, sends `iterations` memfd-backed echo payloads, and
// roundtrips until every reply has arrived (examples/echo.cpp's main:
// send hello, fire payloads, wait_plain_reply_for_serial, roundtrip).
func runClient(log zerolog.Logger) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("pyrofling-echo: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("pyrofling-echo: connect %s: %w", socketPath, err)
	}

	h, err := fdh.New(fd, false)
	if err != nil {
		unix.Close(fd)
		return err
	}

	sess := ipc.New(h, log)
	defer sess.Close()

	sess.SetDefaultSerialHandler(func(msg wire.Message) {
		log.Debug().Stringer("type", msg.Type).Uint64("serial", msg.Serial).Msg("pyrofling-echo: default reply")
	})

	hello := wire.ClientHello{Intent: wire.IntentEchoStream, Name: appName}
	sess.Lock()
	helloSerial := sess.SendMessage(wire.TypeClientHello, hello.Marshal(), nil)
	var helloReply wire.Message
	sess.SetSerialHandler(helloSerial, func(msg wire.Message) { helloReply = msg })
	sess.Unlock()

	if r := sess.WaitReplyForSerial(helloSerial); r != ipc.WaitProgress {
		return fmt.Errorf("pyrofling-echo: hello handshake failed: %v", r)
	}
	if helloReply.Type != wire.TypeServerHello {
		return fmt.Errorf("pyrofling-echo: expected ServerHello, got %v", helloReply.Type)
	}

	for i := 0; i < iterations; i++ {
		payloadFD, err := unix.MemfdCreate(fmt.Sprintf("pyrofling-echo-%d", i), 0)
		if err != nil {
			return fmt.Errorf("pyrofling-echo: memfd_create: %w", err)
		}

		text := fmt.Sprintf("HAI%d", i%10)
		if _, err := unix.Write(payloadFD, []byte(text)); err != nil {
			unix.Close(payloadFD)
			return fmt.Errorf("pyrofling-echo: write payload: %w", err)
		}

		sess.Lock()
		serial := sess.SendMessage(wire.TypeEchoPayload, nil, []int{payloadFD})
		sess.SetSerialHandler(serial, func(msg wire.Message) {
			log.Info().Uint64("serial", msg.Serial).Stringer("reply", msg.Type).Msg("pyrofling-echo: got reply")
		})
		sess.Unlock()
		unix.Close(payloadFD)

		if serial == 0 {
			return fmt.Errorf("pyrofling-echo: failed to send echo payload %d", i)
		}
	}

	if r := sess.Roundtrip(); r != ipc.WaitProgress {
		return fmt.Errorf("pyrofling-echo: roundtrip failed: %v", r)
	}
	return nil
}

// echoConn is one accepted connection: it implements dispatch.Handler
// directly (examples/echo.cpp's EchoRepeater) rather than going through
// pkg/ipc, since the listener side here only ever replies, never
// initiates a request of its own.
type echoConn struct {
	log     zerolog.Logger
	h       fdh.Handle
	helloOK bool
}

// acceptEchoConn builds a dispatch.HandlerFactory for newly accepted
// connections (examples/echo.cpp's TestServer.register_handler).
func acceptEchoConn(log zerolog.Logger) dispatch.HandlerFactory {
	return func(fd int) (dispatch.Handler, error) {
		h, err := fdh.New(fd, false)
		if err != nil {
			return nil, err
		}
		return &echoConn{log: log.With().Str("component", "echo-conn").Logger(), h: h}, nil
	}
}

func (c *echoConn) FD() int { return c.h.FD() }

// Ready reads and handles exactly one framed message (SOCK_SEQPACKET
// preserves message boundaries).
func (c *echoConn) Ready(events uint32) error {
	msg, err := wire.Recv(c.h.FD())
	if err != nil {
		return err
	}
	defer msg.CloseUnclaimed()
	return c.handle(msg)
}

func (c *echoConn) Close() error {
	c.log.Debug().Msg("pyrofling-echo: hanging up connection")
	return c.h.Close()
}

func (c *echoConn) handle(msg wire.Message) error {
	if !c.helloOK {
		if msg.Type != wire.TypeClientHello {
			wire.Send(c.h.FD(), wire.TypeErrorProtocol, msg.Serial, nil, nil)
			return fmt.Errorf("pyrofling-echo: expected client hello, got %v", msg.Type)
		}
		hello := wire.ParseClientHello(msg.Payload)
		if hello.Intent != wire.IntentEchoStream {
			wire.Send(c.h.FD(), wire.TypeErrorProtocol, msg.Serial, nil, nil)
			return fmt.Errorf("pyrofling-echo: expected echo stream intent, got %d", hello.Intent)
		}
		c.helloOK = true
		reply := wire.ServerHello{Version: 1}
		if _, err := wire.Send(c.h.FD(), wire.TypeServerHello, msg.Serial, reply.Marshal(), nil); err != nil {
			return err
		}
		return nil
	}

	if msg.Type != wire.TypeEchoPayload {
		wire.Send(c.h.FD(), wire.TypeErrorProtocol, msg.Serial, nil, nil)
		return fmt.Errorf("pyrofling-echo: unexpected message type %v", msg.Type)
	}

	if fd := msg.TakeFD(0); fd >= 0 {
		buf := make([]byte, 1024)
		n, _ := unix.Pread(fd, buf, 0)
		unix.Close(fd)
		c.log.Info().Str("payload", string(buf[:n])).Msg("pyrofling-echo: got echo")
	}

	_, err := wire.Send(c.h.FD(), wire.TypeOK, msg.Serial, nil, nil)
	return err
}
