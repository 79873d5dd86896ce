package broker_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sabouaram/msgbus/broker"
	"github.com/sabouaram/msgbus/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Broker Integration Suite")
}

func startBroker() (addr string, cancel func()) {
	cfg := broker.DefaultConfig()
	cfg.Port = 0
	cfg.LoopCount = 1
	cfg.ForwardWorkers = 1
	cfg.WorkerPoolConcurrency = 2

	b, err := broker.New(cfg)
	Expect(err).ToNot(HaveOccurred())
	Expect(b.Listen()).To(Succeed())

	a, err := b.Addr()
	Expect(err).ToNot(HaveOccurred())

	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	return a, cancelCtx
}

func dial(addr string) net.Conn {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	Expect(err).ToNot(HaveOccurred())
	return conn
}

func sendFrame(conn net.Conn, body wire.Body, msgID uint32) {
	_, err := conn.Write(wire.Encode(wire.MsgRequest, msgID, body))
	Expect(err).ToNot(HaveOccurred())
}

func readFrame(conn net.Conn) wire.Frame {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	deadline := time.Now().Add(3 * time.Second)
	for {
		Expect(conn.SetReadDeadline(deadline)).To(Succeed())
		n, err := conn.Read(tmp)
		Expect(err).ToNot(HaveOccurred())
		buf = append(buf, tmp[:n]...)
		f, consumed, decErr := wire.TryDecode(buf)
		Expect(decErr).ToNot(HaveOccurred())
		if consumed > 0 {
			return f
		}
	}
}

var _ = Describe("Broker end-to-end", func() {
	var (
		addr   string
		cancel func()
	)

	BeforeEach(func() {
		addr, cancel = startBroker()
		time.Sleep(20 * time.Millisecond)
	})

	AfterEach(func() { cancel() })

	It("registers and resolves via REQ_GETCLIENT (S1)", func() {
		a := dial(addr)
		defer a.Close()
		sendFrame(a, wire.RegisterBody{Name: "svc.a", IP: "10.0.0.1", Port: 8000}, 1)
		regResp := readFrame(a)
		rr, err := wire.UnmarshalRegisterResponse(regResp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(rr.RetCode).To(Equal(int32(0)))

		b := dial(addr)
		defer b.Close()
		sendFrame(b, wire.RegisterBody{Name: "svc.b", Port: 1}, 1)
		readFrame(b)

		sendFrame(b, wire.GetClientBody{Name: "svc.a"}, 2)
		gcResp := readFrame(b)
		gr, err := wire.UnmarshalGetClientResponse(gcResp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(gr.RetCode).To(Equal(int32(0)))
		Expect(gr.IP).To(Equal("10.0.0.1"))
		Expect(gr.Port).To(Equal(uint16(8000)))
	})

	It("forwards a unicast send to the exact destination (S2)", func() {
		a := dial(addr)
		defer a.Close()
		sendFrame(a, wire.RegisterBody{Name: "svc.a", Port: 1}, 1)
		readFrame(a)

		c := dial(addr)
		defer c.Close()
		sendFrame(c, wire.RegisterBody{Name: "svc.c", Port: 1}, 1)
		readFrame(c)

		sendFrame(c, wire.SendMsgBody{Dest: "svc.a", Triplet: wire.Triplet{Sender: "c", MsgID: "1", Payload: []byte("hello")}}, 2)
		sendResp := readFrame(c)
		sr, err := wire.UnmarshalSendMsgResponse(sendResp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(sr.RetCode).To(Equal(int32(0)))

		forwarded := readFrame(a)
		Expect(forwarded.Head.BodyType).To(Equal(wire.ReqSendMsg))
		body, err := wire.UnmarshalSendMsgBody(forwarded.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(body.Triplet.Payload).To(Equal([]byte("hello")))
	})

	It("rejects a second port-0 registration for the same name (S5)", func() {
		a := dial(addr)
		defer a.Close()
		sendFrame(a, wire.RegisterBody{Name: "solo", Port: 0}, 1)
		r1 := readFrame(a)
		rr1, _ := wire.UnmarshalRegisterResponse(r1.Body)
		Expect(rr1.RetCode).To(Equal(int32(0)))

		b := dial(addr)
		defer b.Close()
		sendFrame(b, wire.RegisterBody{Name: "solo", Port: 0}, 1)
		r2 := readFrame(b)
		rr2, _ := wire.UnmarshalRegisterResponse(r2.Body)
		Expect(rr2.RetCode).To(Equal(int32(1)))
	})
})
