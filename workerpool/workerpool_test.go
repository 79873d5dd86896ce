package workerpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sabouaram/msgbus/workerpool"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWorkerPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker Pool Suite")
}

var _ = Describe("Pool", func() {
	var p workerpool.Pool

	BeforeEach(func() {
		p = workerpool.New(4, nil)
	})

	AfterEach(func() {
		p.Shutdown()
	})

	It("runs QueueWork asynchronously rather than inline", func() {
		release := make(chan struct{})
		ran := make(chan struct{})
		Expect(p.QueueWork(func() {
			<-release
			close(ran)
		}, 0)).To(Succeed())
		// The call has returned while the task body is still blocked on
		// release, so the task did not run inline.
		Consistently(ran, 50*time.Millisecond).ShouldNot(BeClosed())
		close(release)
		Eventually(ran, time.Second).Should(BeClosed())
	})

	It("keeps a named worker alive and reports it running until terminated", func() {
		started := make(chan struct{})
		Expect(p.QueueWorkToNamed(context.Background(), "loop1", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		})).To(Succeed())

		Eventually(started, time.Second).Should(BeClosed())

		n, ok := p.GetNamed("loop1")
		Expect(ok).To(BeTrue())
		Expect(n.IsRunning()).To(BeTrue())

		p.TerminateNamed("loop1")
		Eventually(func() bool { return n.IsRunning() }, time.Second).Should(BeFalse())
	})

	It("fires a one-shot timer once after the delay", func() {
		var count atomic.Int32
		id, err := p.QueueTimer(func() { count.Add(1) }, 20*time.Millisecond, false)
		Expect(err).ToNot(HaveOccurred())
		defer p.CancelTimer(id)

		Eventually(func() int32 { return count.Load() }, time.Second).Should(Equal(int32(1)))
		Consistently(func() int32 { return count.Load() }, 100*time.Millisecond).Should(Equal(int32(1)))
	})

	It("fires a repeating timer until canceled", func() {
		var count atomic.Int32
		id, err := p.QueueTimer(func() { count.Add(1) }, 10*time.Millisecond, true)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() int32 { return count.Load() }, time.Second).Should(BeNumerically(">=", 2))
		p.CancelTimer(id)

		snapshot := count.Load()
		time.Sleep(50 * time.Millisecond)
		Expect(count.Load()).To(Equal(snapshot))
	})
})
