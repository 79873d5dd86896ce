package sock

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// HandleEvent is the edge-triggered discipline (spec §4.2): drain reads
// until EAGAIN, drain writes until EAGAIN, and treat any hard error as
// fatal. It is always called from the owning loop's read thread for
// readable/errored, and from the write thread for writable — the loop
// guarantees that split, Socket does not re-check it.
func (s *Socket) HandleEvent(readable, writable, errored bool) {
	if errored {
		s.fail(errSocketExc())
		return
	}
	if readable {
		s.drainRead()
	}
	if writable {
		s.mu.Lock()
		w := s.writeable
		s.mu.Unlock()
		if w {
			s.doSend()
		}
	}
}

// drainRead reads into inbuf's writable tail until EAGAIN or peer
// close, invoking onRead after every successful chunk so a handler
// never has to wait for a full buffer fill before seeing bytes.
func (s *Socket) drainRead() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		hint := s.readHint
		dst := s.inbuf.EnsureWritable(hint)
		s.mu.Unlock()

		n, err := unix.Read(s.fd, dst)
		if n > 0 {
			s.mu.Lock()
			s.inbuf.Commit(n)
			if n == hint {
				s.readHint = growReadHint(hint)
			}
			s.renewPending.Store(true)
			s.mu.Unlock()
			s.dispatchRead()
			continue
		}
		if n == 0 {
			s.onPeerClosed()
			return
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		s.fail(err)
		return
	}
}

// dispatchRead hands the accumulated bytes to onRead and pops whatever
// it reports consumed.
func (s *Socket) dispatchRead() {
	s.mu.Lock()
	cb := s.cb.OnRead
	s.mu.Unlock()
	if cb == nil {
		return
	}
	for {
		s.mu.Lock()
		data := s.inbuf.Data()
		s.mu.Unlock()
		if len(data) == 0 {
			return
		}
		consumed := cb(s, data)
		if consumed <= 0 {
			return
		}
		s.mu.Lock()
		s.inbuf.PopFront(consumed)
		s.mu.Unlock()
		if consumed < len(data) {
			return
		}
	}
}

// doSend drains outbuf onto the wire (spec §4.2's DoSend). Must run on
// the write thread.
func (s *Socket) doSend() {
	for {
		s.mu.Lock()
		data := s.outbuf.Data()
		if len(data) == 0 {
			s.mu.Unlock()
			s.onSendQueueDrained()
			return
		}
		s.mu.Unlock()

		n, err := unix.Write(s.fd, data)
		if n > 0 {
			s.mu.Lock()
			s.outbuf.PopFront(n)
			s.renewPending.Store(true)
			s.mu.Unlock()
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		s.fail(err)
		return
	}
}

// onSendQueueDrained runs once outbuf empties: it removes write
// interest, fires onSend, and honors a caller-requested DisallowSend by
// half-closing once nothing remains to flush.
func (s *Socket) onSendQueueDrained() {
	s.mu.Lock()
	cb := s.cb.OnSend
	wantsClose := !s.allowSend
	s.mu.Unlock()

	if s.loop != nil {
		s.loop.SetWriteInterest(s.fd, false)
	}
	if cb != nil {
		if !cb(s) {
			s.DisallowSend()
			wantsClose = true
		}
	}
	if wantsClose {
		_ = s.ShutdownWrite()
	}
}

// SendData routes the call through the write thread (spec §4.2): with a
// loop attached it always posts the append to the write thread's task
// queue, whichever goroutine calls it, including the write thread
// itself; if no loop is attached, it appends and drains inline (used for
// standalone/unit-test sockets).
func (s *Socket) SendData(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return errClosed()
	}
	if !s.allowSend {
		s.mu.Unlock()
		return errDisallowed()
	}
	if s.outbuf.Len()+len(p) > MaxSendBuf {
		s.mu.Unlock()
		return errOverflow()
	}
	cp := append([]byte(nil), p...)
	s.mu.Unlock()

	if s.loop == nil {
		s.appendAndDrain(cp)
		return nil
	}
	s.loop.QueueWriteTask(func() { s.appendAndDrain(cp) })
	return nil
}

// Send satisfies registry.Conn.
func (s *Socket) Send(p []byte) error { return s.SendData(p) }

func (s *Socket) appendAndDrain(p []byte) {
	s.mu.Lock()
	s.outbuf.PushBack(p)
	s.mu.Unlock()

	s.doSend()

	s.mu.Lock()
	remaining := s.outbuf.Len() > 0
	s.mu.Unlock()
	if remaining && s.loop != nil {
		s.loop.SetWriteInterest(s.fd, true)
	}
}

// ShutdownWrite half-closes the write side once outbuf is empty (spec §4.2).
func (s *Socket) ShutdownWrite() error {
	s.mu.Lock()
	s.allowSend = false
	empty := s.outbuf.Len() == 0
	s.mu.Unlock()
	if !empty {
		return nil
	}
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// DisallowSend tells the socket the application wants no further
// sends; once outbuf drains, ShutdownWrite fires automatically.
func (s *Socket) DisallowSend() {
	s.mu.Lock()
	s.allowSend = false
	s.mu.Unlock()
}

func (s *Socket) onPeerClosed() {
	s.mu.Lock()
	cb := s.cb.OnClose
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	s.Close(true)
}

func (s *Socket) fail(err error) {
	s.mu.Lock()
	cb := s.cb.OnError
	s.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
	s.Close(true)
}

// Close implements the fd-reuse-race-safe shutdown discipline (spec
// §4.2, §9): isClosing is set before the fd is touched so a concurrent
// reference cannot double-close; the fd is then dup2'd over with
// /dev/null before being closed, so any stale read/write from another
// goroutine that still held the old fd number sees EOF on /dev/null
// rather than data belonging to a fd the kernel has since reassigned.
// Removal from the loop runs directly on the calling goroutine; it is
// not posted to the loop's read thread.
func (s *Socket) Close(removeFromLoop bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	fd := s.fd
	s.mu.Unlock()

	if removeFromLoop && s.loop != nil {
		s.loop.Deregister(fd)
	}

	devNull, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
	if err == nil {
		_ = unix.Dup2(devNull, fd)
		_ = unix.Close(devNull)
	}
	_ = unix.Close(fd)

	s.mu.Lock()
	s.fd = -1
	s.closed = true
	s.mu.Unlock()
}

// IsClosed reports whether Close has run.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// UpdateTimeout is called by the loop's periodic scan (spec §4.2,
// ~1s tick). If the deadline elapsed, onTimeout fires; a renewPending
// bit set by the most recent successful read/write instead extends the
// deadline without the scan thread touching any socket state directly
// beyond this one field, keeping the hot read/write path allocation-free.
func (s *Socket) UpdateTimeout(now time.Time) {
	if s.renewPending.CompareAndSwap(true, false) {
		s.mu.Lock()
		s.deadline = now.Add(s.renewInterval)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	expired := now.After(s.deadline)
	cb := s.cb.OnTimeout
	s.mu.Unlock()
	if !expired {
		return
	}
	if cb != nil {
		cb(s)
	} else {
		s.Close(true)
	}
}
