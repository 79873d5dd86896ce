package wire_test

import (
	"testing"

	"github.com/sabouaram/msgbus/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWire(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Wire Codec Suite")
}

var _ = Describe("Frame round-trip", func() {
	DescribeTable("pack/unpack yields a bit-equal head and body",
		func(body wire.Body) {
			raw := wire.Encode(wire.MsgRequest, 42, body)
			f, n, err := wire.TryDecode(raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(len(raw)))
			Expect(f.Head.BodyType).To(Equal(body.BodyType()))
			Expect(f.Head.MsgID).To(Equal(uint32(42)))
			Expect(f.Body).To(Equal(body.Marshal()))
		},
		Entry("register", wire.RegisterBody{Name: "svc.a", IP: "10.0.0.1", Port: 8000}),
		Entry("register port-0", wire.RegisterBody{Name: "solo", IP: "", Port: 0}),
		Entry("unregister", wire.UnregisterBody{Name: "svc.a", IP: "10.0.0.1", Port: 8000}),
		Entry("getclient", wire.GetClientBody{Name: "svc.a"}),
		Entry("sendmsg", wire.SendMsgBody{Dest: "svc.a", Triplet: wire.Triplet{Sender: "c", MsgID: "1", Payload: []byte("hello")}}),
		Entry("sendmsg broadcast", wire.SendMsgBody{Dest: "", Triplet: wire.Triplet{Sender: "c", MsgID: "1", Payload: []byte("X")}}),
		Entry("confirmalive", wire.ConfirmAliveBody{Flag: 1}),
		Entry("pbtype", wire.PBTypeBody{TypeName: "QueryServices", Data: []byte{1, 2, 3}}),
		Entry("confirmalive flag 0", wire.ConfirmAliveBody{Flag: 0}),
	)

	It("reports not-yet-complete (nil error, 0 consumed) on a short buffer", func() {
		raw := wire.Encode(wire.MsgRequest, 1, wire.GetClientBody{Name: "svc.a"})
		f, n, err := wire.TryDecode(raw[:len(raw)-2])
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))
		Expect(f).To(Equal(wire.Frame{}))
	})

	It("reports not-yet-complete without consuming bytes on a truncated head", func() {
		_, n, err := wire.TryDecode([]byte{1, 2, 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))
	})
})

var _ = Describe("Triplet codec", func() {
	It("round-trips sender/msgid/param with length preservation", func() {
		tr := wire.Triplet{Sender: "clientA", MsgID: "sid-123", Payload: []byte("payload bytes")}
		raw := tr.Marshal()
		got, err := wire.UnmarshalTriplet(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(tr))
	})

	It("supports sender length 0 and 255", func() {
		for _, n := range []int{0, 255} {
			sender := make([]byte, n)
			for i := range sender {
				sender[i] = 'a'
			}
			tr := wire.Triplet{Sender: string(sender), MsgID: "m", Payload: nil}
			raw := tr.Marshal()
			got, err := wire.UnmarshalTriplet(raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Sender).To(Equal(string(sender)))
		}
	})

	It("fails cleanly when param_len overruns the buffer", func() {
		tr := wire.Triplet{Sender: "a", MsgID: "b", Payload: []byte("hi")}
		raw := tr.Marshal()
		_, err := wire.UnmarshalTriplet(raw[:len(raw)-1])
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("QueryServices pbtype payloads", func() {
	It("round-trips request and response", func() {
		req := wire.QueryServicesRequest{Prefix: "svc."}
		got, err := wire.UnmarshalQueryServicesRequest(req.Marshal())
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(req))

		rsp := wire.QueryServicesResponse{Names: []string{"svc.a", "svc.b"}}
		gotR, err := wire.UnmarshalQueryServicesResponse(rsp.Marshal())
		Expect(err).ToNot(HaveOccurred())
		Expect(gotR).To(Equal(rsp))
	})
})
