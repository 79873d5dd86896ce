// Package sock implements the broker's non-blocking connection wrapper
// (spec §4.2, component C2): edge-triggered read/write draining,
// per-connection send/receive buffering via buffer.Buffer, deferred
// writes, graceful half-close, idle timeouts, and the fd-reuse-race-safe
// close discipline.
//
// Grounded on the teacher library's socket/server/tcp API surface
// (IsRunning/IsGone-style state booleans, RegisterFuncError-style
// callback setters) generalized from a net.Conn-managed TCP server down
// to a raw non-blocking fd, since the spec's edge-triggered drain-until-
// EAGAIN discipline requires operating on the fd directly rather than
// through net.Conn.
package sock

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/msgbus/buffer"
	"github.com/sabouaram/msgbus/errs"
	"github.com/sabouaram/msgbus/logger"
)

// MaxSendBuf is the hard cap on outbuf size (spec §5): sends that would
// overflow it are rejected rather than silently buffered.
const MaxSendBuf = 4 * 1024 * 1024

// DefaultReadHint is the initial read-ahead hint size for EnsureWritable.
const DefaultReadHint = 4096

// DefaultDeadline is the default idle timeout (spec §5, S6: 90s keep-alive).
const DefaultDeadline = 90 * time.Second

// LoopHandle is the subset of an *loop.Loop a Socket needs: cross-thread
// task posting and write-interest/removal bookkeeping. Kept as an
// interface so sock never imports loop (avoids a cycle: loop registers
// *Socket values through its own small Conn interface).
type LoopHandle interface {
	QueueTask(fn func())
	QueueWriteTask(fn func())
	SetWriteInterest(fd int, want bool)
	Deregister(fd int)
}

// OnRead is invoked with the accumulated unread bytes; it returns how
// many were consumed (popFront'd). Returning less than len(data) leaves
// a partial frame buffered for the next invocation.
type OnRead func(s *Socket, data []byte) int

// Callbacks holds the five handler slots (spec §3, §9: "polymorphic
// handler values"). Any may be nil.
type Callbacks struct {
	OnRead    OnRead
	OnSend    func(s *Socket) bool // false => DisallowSend
	OnError   func(s *Socket, err error)
	OnClose   func(s *Socket)
	OnTimeout func(s *Socket)
}

// Socket is a managed, non-blocking TCP connection (spec §3).
type Socket struct {
	mu sync.Mutex

	fd        int
	key       string
	peer      string
	loop      LoopHandle
	log       logger.Logger
	cb        Callbacks
	inbuf     *buffer.Buffer
	outbuf    *buffer.Buffer
	readHint  int
	writeable bool
	allowSend bool
	closing   bool
	closed    bool

	deadline      time.Time
	renewInterval time.Duration
	renewPending  atomic.Bool
}

// New wraps an already-non-blocking, connected fd. peer is the
// "ip:port" string used both as the registry key and as the register-
// derived-ip fallback (spec §4.7's "derive from the socket's peer
// address").
func New(fd int, peer string, loop LoopHandle, log logger.Logger) *Socket {
	if log == nil {
		log = logger.NewNop()
	}
	return &Socket{
		fd:            fd,
		key:           peer,
		peer:          peer,
		loop:          loop,
		log:           log,
		inbuf:         buffer.New(),
		outbuf:        buffer.New(),
		readHint:      DefaultReadHint,
		writeable:     true,
		allowSend:     true,
		deadline:      time.Now().Add(DefaultDeadline),
		renewInterval: DefaultDeadline,
	}
}

// Fd satisfies loop.Conn.
func (s *Socket) Fd() int { return s.fd }

// Key satisfies registry.Conn: a stable identity for map indexing.
func (s *Socket) Key() string { return s.key }

// PeerAddr returns the "ip:port" string this connection was accepted from.
func (s *Socket) PeerAddr() string { return s.peer }

// SetCallbacks installs the five handler slots (spec §4.2).
func (s *Socket) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// SetTimeout overrides the idle deadline interval (spec §4.2).
func (s *Socket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewInterval = d
	s.deadline = time.Now().Add(d)
}

// SetNonBlock and SetCloseOnExec mirror the spec's named socket-prep
// operations; New already assumes a non-blocking fd, so these are
// idempotent safety nets for fds obtained from elsewhere (e.g. tests).
func (s *Socket) SetNonBlock() error {
	return unix.SetNonblock(s.fd, true)
}

func (s *Socket) SetCloseOnExec() {
	unix.CloseOnExec(s.fd)
}

// Connect dials ip:port with a non-blocking connect(2), waiting up to
// timeout for write-readiness on EINPROGRESS, then checking SO_ERROR
// (spec §4.2). On failure the fd is closed and the error returned; it
// does not construct a Socket since a failed Connect has no peer to
// register with a loop.
func Connect(ip string, port uint16, timeout time.Duration) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errs.New(errs.CodeTransport, "socket(2) failed", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errs.New(errs.CodeTransport, "set non-blocking failed", err)
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], net.ParseIP(ip).To4())
	sa.Port = int(port)

	err = unix.Connect(fd, &sa)
	if err == nil {
		return fd, nil
	}
	if err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, errs.New(errs.CodeTransport, "connect(2) failed", err)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, perr := unix.Poll(pfd, int(timeout.Milliseconds()))
	if perr != nil || n == 0 {
		_ = unix.Close(fd)
		return -1, errs.New(errs.CodeTransport, "connect(2) timed out")
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil || errno != 0 {
		_ = unix.Close(fd)
		return -1, errs.New(errs.CodeTransport, "connect(2) SO_ERROR set")
	}
	return fd, nil
}
