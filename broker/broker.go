// Package broker wires the whole message bus together (spec §9: "model
// as a single broker context value threaded into handlers; no hidden
// globals except the one logger"): the accept loop, the loop pool, the
// registry, the forwarding engine, the worker pool, and the protocol
// dispatcher.
//
// Grounded on the teacher library's runner/startStop construction shape
// (a single owning value whose Start/Stop drive every subsystem's
// lifecycle) and on socket/server's accept-loop/shutdown sequencing,
// generalized from net.Listener down to a raw non-blocking listening
// fd so accepted connections can be handed directly to sock.Socket.
package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/msgbus/errs"
	"github.com/sabouaram/msgbus/forward"
	"github.com/sabouaram/msgbus/handlers"
	"github.com/sabouaram/msgbus/logger"
	"github.com/sabouaram/msgbus/loop"
	"github.com/sabouaram/msgbus/registry"
	"github.com/sabouaram/msgbus/sock"
	"github.com/sabouaram/msgbus/wire"
	"github.com/sabouaram/msgbus/workerpool"
)

// DefaultPort is the broker's listening port when none is given (spec §6).
const DefaultPort = 19000

// IdleQuitTicks and IdleQuitTickInterval implement the accept loop's
// self-terminate feature (spec §6, §9): a surprising default for
// production, so Config.IdleQuitEnabled defaults to false.
const (
	IdleQuitTicks        = 15
	IdleQuitTickInterval = 2 * time.Second
)

// Config is the broker's tunable surface.
type Config struct {
	Port                  int
	LoopCount             int
	ForwardWorkers        int
	WorkerPoolConcurrency int
	IdleQuitEnabled       bool
	Logger                logger.Logger
}

// DefaultConfig returns sane defaults (spec §6: default port 19000;
// §9: idle-quit disabled unless explicitly opted into).
func DefaultConfig() Config {
	return Config{
		Port:                  DefaultPort,
		LoopCount:             4,
		ForwardWorkers:        2,
		WorkerPoolConcurrency: 8,
		IdleQuitEnabled:       false,
	}
}

// Broker is the single context value threaded through every handler.
type Broker struct {
	cfg Config
	log logger.Logger

	Registry   *registry.Registry
	Forward    *forward.Engine
	Pool       workerpool.Pool
	Loops      *loop.Pool
	Dispatcher *handlers.Dispatcher
	Metrics    *Metrics

	listenFd int
}

// New constructs a Broker's subsystems without starting anything.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.New("broker", logger.InfoLevel)
	}
	loops, err := loop.NewPool(cfg.LoopCount, cfg.Logger.WithField("component", "loop"))
	if err != nil {
		return nil, errs.New(errs.CodeInternal, "failed to create loop pool", err)
	}

	reg := registry.New()
	fwd := forward.New(reg, cfg.Logger.WithField("component", "forward"))
	pool := workerpool.New(cfg.WorkerPoolConcurrency, cfg.Logger.WithField("component", "workerpool"))
	disp := handlers.New(reg, fwd, cfg.Logger.WithField("component", "handlers"))
	metrics := NewMetrics()
	fwd.OnDrop = metrics.Dropped
	fwd.OnDeliver = metrics.Forwarded

	return &Broker{
		cfg:        cfg,
		log:        cfg.Logger,
		Registry:   reg,
		Forward:    fwd,
		Pool:       pool,
		Loops:      loops,
		Dispatcher: disp,
		Metrics:    metrics,
		listenFd:   -1,
	}, nil
}

// Listen binds and listens on cfg.Port, returning the bind/listen
// error unmodified so the CLI can print the single warn line spec §7
// requires and choose its exit code.
func (b *Broker) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}

	sa := &unix.SockaddrInet4{Port: b.cfg.Port}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return err
	}
	b.listenFd = fd
	return nil
}

// Addr returns the bound "ip:port" string, useful when Config.Port==0
// let the kernel pick an ephemeral port (e.g. in tests).
func (b *Broker) Addr() (string, error) {
	sa, err := unix.Getsockname(b.listenFd)
	if err != nil {
		return "", err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", errs.New(errs.CodeInternal, "unexpected sockaddr type for listening fd")
	}
	ip := net.IP(in4.Addr[:])
	return fmt.Sprintf("%s:%d", ip.String(), in4.Port), nil
}

// Run starts the forwarding workers and the accept loop; it blocks
// until ctx is canceled or the idle-quit feature stops the accept loop,
// then runs spec §5's shutdown sequence.
func (b *Broker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fwdDone := make(chan error, 1)
	go func() { fwdDone <- b.Forward.Run(ctx, b.cfg.ForwardWorkers) }()

	b.acceptLoop(ctx)
	cancel()

	<-ctx.Done()
	b.Loops.Close()
	b.Pool.Shutdown()
	return <-fwdDone
}

// acceptLoop polls the listening fd for incoming connections,
// incrementing an idle-quit counter on every tick with no registered
// services (spec §6), until ctx is canceled.
func (b *Broker) acceptLoop(ctx context.Context) {
	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			_ = unix.Close(b.listenFd)
			return
		default:
		}

		pfd := []unix.PollFd{{Fd: int32(b.listenFd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, int(IdleQuitTickInterval.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.Printf(logger.WarnLevel, "accept poll failed: %v", err)
			continue
		}
		if n == 0 {
			if b.cfg.IdleQuitEnabled && b.Registry.ServiceCount() == 0 {
				idleTicks++
				if idleTicks >= IdleQuitTicks {
					b.log.Printf(logger.WarnLevel, "no registered services for %d ticks, self-terminating", idleTicks)
					return
				}
			} else {
				idleTicks = 0
			}
			continue
		}
		idleTicks = 0
		b.acceptOne()
	}
}

func (b *Broker) acceptOne() {
	fd, sa, err := unix.Accept4(b.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			b.log.Printf(logger.WarnLevel, "accept failed: %v", err)
		}
		return
	}

	peer := peerString(sa)
	l := b.Loops.Pick()
	s := sock.New(fd, peer, l, b.log.WithField("peer", peer))
	l.Register(s)
	b.Metrics.ConnOpened()

	s.SetCallbacks(sock.Callbacks{
		OnRead: b.onRead(s),
		OnClose: func(*sock.Socket) {
			b.Registry.OnConnectionClosed(s)
			b.Metrics.ConnClosed()
		},
		OnError: func(_ *sock.Socket, err error) {
			b.log.Printf(logger.WarnLevel, "connection %s error: %v", peer, err)
		},
		OnTimeout: func(conn *sock.Socket) {
			b.log.Printf(logger.InfoLevel, "connection %s idle-timed-out", peer)
			conn.Close(true)
		},
	})
}

// onRead decodes as many complete frames as the buffer holds and
// dispatches each on the worker pool, never on the read thread (spec §4.7).
func (b *Broker) onRead(s *sock.Socket) sock.OnRead {
	return func(_ *sock.Socket, data []byte) int {
		total := 0
		for {
			f, n, err := wire.TryDecode(data[total:])
			if err != nil {
				b.log.Printf(logger.WarnLevel, "decode error from %s, closing: %v", s.PeerAddr(), err)
				s.Close(true)
				return len(data)
			}
			if n == 0 {
				return total
			}
			total += n
			frame := f
			b.Metrics.FrameReceived()
			_ = b.Pool.QueueWork(func() { b.handle(s, frame) }, 0)
		}
	}
}

func (b *Broker) handle(s *sock.Socket, f wire.Frame) {
	resp := b.Dispatcher.Dispatch(s, f)
	if resp == nil {
		return
	}
	raw := wire.Encode(wire.MsgResponse, f.Head.MsgID, resp)
	if err := s.SendData(raw); err != nil {
		b.log.Printf(logger.WarnLevel, "send to %s failed: %v", s.PeerAddr(), err)
	}
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%s", ip.String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
