package sock_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/msgbus/sock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSocket(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Socket Suite")
}

// socketPair returns two connected, non-blocking AF_UNIX fds standing
// in for a TCP connection, so the edge-triggered drain logic can be
// exercised without a real network stack.
func socketPair() (a, b int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	Expect(err).ToNot(HaveOccurred())
	Expect(unix.SetNonblock(fds[0], true)).To(Succeed())
	Expect(unix.SetNonblock(fds[1], true)).To(Succeed())
	return fds[0], fds[1]
}

var _ = Describe("Socket", func() {
	It("delivers bytes written on the peer fd to onRead", func() {
		a, b := socketPair()
		defer unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		received := make(chan string, 1)
		s.SetCallbacks(sock.Callbacks{
			OnRead: func(_ *sock.Socket, data []byte) int {
				received <- string(data)
				return len(data)
			},
		})

		_, err := unix.Write(b, []byte("hello"))
		Expect(err).ToNot(HaveOccurred())

		// Give the kernel a moment to make the data readable, then
		// simulate the loop delivering read-readiness.
		time.Sleep(10 * time.Millisecond)
		s.HandleEvent(true, false, false)

		Eventually(received).Should(Receive(Equal("hello")))
	})

	It("fires onClose and marks itself closed when the peer hangs up", func() {
		a, b := socketPair()
		unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		closed := make(chan struct{}, 1)
		s.SetCallbacks(sock.Callbacks{OnClose: func(_ *sock.Socket) { close(closed) }})

		time.Sleep(10 * time.Millisecond)
		s.HandleEvent(true, false, false)

		Eventually(closed).Should(BeClosed())
		Expect(s.IsClosed()).To(BeTrue())
	})

	It("queues sends inline and drains to the peer when no loop is attached", func() {
		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		Expect(s.SendData([]byte("world"))).To(Succeed())

		buf := make([]byte, 16)
		var n int
		Eventually(func() int {
			var err error
			n, err = unix.Read(b, buf)
			if err != nil {
				return 0
			}
			return n
		}).Should(Equal(5))
		Expect(string(buf[:n])).To(Equal("world"))
	})

	It("rejects sends beyond the configured cap", func() {
		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		big := make([]byte, sock.MaxSendBuf+1)
		err := s.SendData(big)
		Expect(err).To(HaveOccurred())
	})

	It("fires onTimeout once the deadline elapses without a renewal", func() {
		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		s.SetTimeout(1 * time.Millisecond)
		timedOut := make(chan struct{}, 1)
		s.SetCallbacks(sock.Callbacks{OnTimeout: func(_ *sock.Socket) { close(timedOut) }})

		time.Sleep(5 * time.Millisecond)
		s.UpdateTimeout(time.Now())

		Eventually(timedOut).Should(BeClosed())
	})

	It("does not fire onTimeout when renewPending was set since the last scan", func() {
		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		s := sock.New(a, "peer:1", nil, nil)
		s.SetTimeout(1 * time.Millisecond)
		fired := false
		s.SetCallbacks(sock.Callbacks{OnTimeout: func(_ *sock.Socket) { fired = true }})

		time.Sleep(5 * time.Millisecond)
		_, err := unix.Write(b, []byte("x"))
		Expect(err).ToNot(HaveOccurred())
		time.Sleep(5 * time.Millisecond)
		s.HandleEvent(true, false, false) // sets renewPending

		s.UpdateTimeout(time.Now())
		Expect(fired).To(BeFalse())
	})
})
