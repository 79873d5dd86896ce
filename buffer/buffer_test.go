package buffer_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/sabouaram/msgbus/buffer"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBuffer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "GrowShrinkBuffer Suite")
}

var _ = Describe("GrowShrinkBuffer", func() {
	It("round-trips a simple push/pop sequence", func() {
		b := buffer.New()
		b.PushBack([]byte("hello "))
		b.PushBack([]byte("world"))
		Expect(b.Data()).To(Equal([]byte("hello world")))
		b.PopFront(6)
		Expect(b.Data()).To(Equal([]byte("world")))
	})

	It("supports zero-copy ingest via EnsureWritable/Commit", func() {
		b := buffer.New()
		dst := b.EnsureWritable(5)
		n := copy(dst, []byte("abcde"))
		b.Commit(n)
		Expect(b.Data()).To(Equal([]byte("abcde")))
	})

	It("is idempotent under arbitrary push/pop interleaving", func() {
		b := buffer.New()
		var model []byte
		r := rand.New(rand.NewSource(42))
		for i := 0; i < 500; i++ {
			if len(model) == 0 || r.Intn(2) == 0 {
				chunk := make([]byte, r.Intn(37))
				r.Read(chunk)
				b.PushBack(chunk)
				model = append(model, chunk...)
			} else {
				n := r.Intn(len(model) + 1)
				b.PopFront(n)
				model = model[n:]
			}
			Expect(bytes.Equal(b.Data(), model)).To(BeTrue())
		}
	})

	It("shrinks only after sustained underuse", func() {
		b := buffer.New()
		big := make([]byte, buffer.ShrinkSize+1024)
		b.PushBack(big)
		b.PopFront(len(big) - 100) // now far under 1/8 occupancy; counter == 1
		startCap := b.Cap()

		// One PopFront call per loop increments the underuse counter by one.
		for i := 0; i < buffer.ShrinkThreshold-2; i++ {
			b.PushBack([]byte{1})
			b.PopFront(1)
		}
		Expect(b.Cap()).To(Equal(startCap), "must not shrink before the threshold is reached")

		b.PushBack([]byte{1})
		b.PopFront(1) // crosses the threshold
		Expect(b.Cap()).To(BeNumerically("<", startCap))
	})
})
