package loop_test

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/msgbus/loop"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLoop(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Loop Suite")
}

type fakeConn struct {
	fd       int
	reads    atomic.Int32
	writes   atomic.Int32
	errs     atomic.Int32
	timeouts atomic.Int32
}

func (f *fakeConn) Fd() int { return f.fd }
func (f *fakeConn) HandleEvent(readable, writable, errored bool) {
	if readable {
		f.reads.Add(1)
	}
	if writable {
		f.writes.Add(1)
	}
	if errored {
		f.errs.Add(1)
	}
}
func (f *fakeConn) UpdateTimeout(time.Time) { f.timeouts.Add(1) }

func socketPair() (a, b int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	Expect(err).ToNot(HaveOccurred())
	Expect(unix.SetNonblock(fds[0], true)).To(Succeed())
	Expect(unix.SetNonblock(fds[1], true)).To(Succeed())
	return fds[0], fds[1]
}

var _ = Describe("Loop", func() {
	It("delivers read readiness to a registered conn", func() {
		l, err := loop.New(nil)
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()

		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		c := &fakeConn{fd: a}
		l.Register(c)

		_, err = unix.Write(b, []byte("x"))
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() int32 { return c.reads.Load() }, time.Second).Should(BeNumerically(">=", 1))
	})

	It("only delivers write readiness after SetWriteInterest(true)", func() {
		l, err := loop.New(nil)
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()

		a, b := socketPair()
		defer unix.Close(a)
		defer unix.Close(b)

		c := &fakeConn{fd: a}
		l.Register(c)

		Consistently(func() int32 { return c.writes.Load() }, 300*time.Millisecond).Should(Equal(int32(0)))

		l.SetWriteInterest(a, true)
		Eventually(func() int32 { return c.writes.Load() }, time.Second).Should(BeNumerically(">=", 1))
	})

	It("runs posted read-thread and write-thread tasks", func() {
		l, err := loop.New(nil)
		Expect(err).ToNot(HaveOccurred())
		defer l.Close()

		done := make(chan string, 2)
		l.QueueTask(func() { done <- "read" })
		l.QueueWriteTask(func() { done <- "write" })

		Eventually(done).Should(Receive(Equal("read")))
		Eventually(done).Should(Receive(Equal("write")))
	})

	It("round-robins Pick across pool loops", func() {
		p, err := loop.NewPool(3, nil)
		Expect(err).ToNot(HaveOccurred())
		defer p.Close()

		seen := map[*loop.Loop]int{}
		for i := 0; i < 9; i++ {
			seen[p.Pick()]++
		}
		Expect(seen).To(HaveLen(3))
		for _, count := range seen {
			Expect(count).To(Equal(3))
		}
	})
})
