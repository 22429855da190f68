package session_test

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/daedaluz/ser2enet/config"
	"github.com/daedaluz/ser2enet/metrics"
	"github.com/daedaluz/ser2enet/serial"
	"github.com/daedaluz/ser2enet/session"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func basePortConfig(protocol config.Protocol) config.Port {
	return config.Port{
		BaudRate:           9600,
		DataBits:           8,
		Parity:             config.ParityNone,
		StopBits:           1,
		FlowControl:        config.FlowControlNone,
		IdleTimeoutSeconds: 0,
		LocalPort:          0, // ephemeral, resolved via Session.ListenAddr
		Role:               config.RoleServer,
		Protocol:           protocol,
		Device:             "/dev/ptmx-under-test",
	}
}

func startServerSession(ctx context.Context, cfg config.Port) (*session.Session, *serial.Port, net.Conn) {
	master, slave, err := serial.OpenPTY(nil, nil)
	Expect(err).NotTo(HaveOccurred())

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s := session.New(0, cfg, slave, reg, testLogger())
	Expect(s.Start(ctx)).To(Succeed())

	var addr net.Addr
	Eventually(func() net.Addr {
		addr = s.ListenAddr()
		return addr
	}, 2*time.Second, 10*time.Millisecond).ShouldNot(BeNil())

	conn, err := net.Dial("tcp", addr.String())
	Expect(err).NotTo(HaveOccurred())

	Eventually(func() session.TCPState {
		return s.State()
	}, 2*time.Second, 10*time.Millisecond).Should(Equal(session.Connected))

	return s, master, conn
}

var _ = Describe("Session bridging", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	Context("Raw protocol", func() {
		It("forwards TCP bytes to the UART and back verbatim", func() {
			s, master, conn := startServerSession(ctx, basePortConfig(config.ProtocolRaw))
			defer conn.Close()
			defer s.Close()
			defer master.Close()

			sent := []byte{0x01, 0x02, 0x03, 0xFF, 0x04}
			_, err := conn.Write(sent)
			Expect(err).NotTo(HaveOccurred())

			buf := make([]byte, len(sent))
			n, err := master.ReadTimeout(buf, 2*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf[:n]).To(Equal(sent))

			reply := []byte{0xAA, 0xBB, 0xCC}
			_, err = master.Write(reply)
			Expect(err).NotTo(HaveOccurred())

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			rbuf := make([]byte, len(reply))
			_, err = io.ReadFull(conn, rbuf)
			Expect(err).NotTo(HaveOccurred())
			Expect(rbuf).To(Equal(reply))
		})
	})

	Context("Telnet protocol", func() {
		It("collapses doubled 0xFF toward the UART and doubles it back from the UART", func() {
			s, master, conn := startServerSession(ctx, basePortConfig(config.ProtocolTelnet))
			defer conn.Close()
			defer s.Close()
			defer master.Close()

			// Drain the server's initial option offer (IAC DO 3, IAC DO 44)
			// before exercising payload bytes.
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			offer := make([]byte, 6)
			_, err := io.ReadFull(conn, offer)
			Expect(err).NotTo(HaveOccurred())

			_, err = conn.Write([]byte{0x01, 0xFF, 0xFF, 0x02})
			Expect(err).NotTo(HaveOccurred())

			buf := make([]byte, 3)
			n, err := master.ReadTimeout(buf, 2*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf[:n]).To(Equal([]byte{0x01, 0xFF, 0x02}))

			_, err = master.Write([]byte{0xAA, 0xFF, 0xBB})
			Expect(err).NotTo(HaveOccurred())

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			rbuf := make([]byte, 4)
			_, err = io.ReadFull(conn, rbuf)
			Expect(err).NotTo(HaveOccurred())
			Expect(rbuf).To(Equal([]byte{0xAA, 0xFF, 0xFF, 0xBB}))
		})
	})

	Context("Idle timeout", func() {
		It("aborts a server connection that sends nothing for the configured duration", func() {
			cfg := basePortConfig(config.ProtocolRaw)
			cfg.IdleTimeoutSeconds = 1
			s, master, conn := startServerSession(ctx, cfg)
			defer s.Close()
			defer master.Close()

			buf := make([]byte, 1)
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, err := conn.Read(buf)
			Expect(err).To(HaveOccurred(), "idle connection should be aborted by the server")
		})

		It("never aborts when idle_timeout_seconds is 0", func() {
			s, master, conn := startServerSession(ctx, basePortConfig(config.ProtocolRaw))
			defer conn.Close()
			defer s.Close()
			defer master.Close()

			Consistently(func() session.TCPState {
				return s.State()
			}, 1500*time.Millisecond, 100*time.Millisecond).Should(Equal(session.Connected))
		})
	})

	Context("Link-loss pre-emption", func() {
		It("refuses a second accept while the existing connection is alive and link is up", func() {
			s, master, conn := startServerSession(ctx, basePortConfig(config.ProtocolRaw))
			defer conn.Close()
			defer s.Close()
			defer master.Close()

			second, err := net.Dial("tcp", s.ListenAddr().String())
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()

			second.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			buf := make([]byte, 1)
			_, err = second.Read(buf)
			Expect(err).To(HaveOccurred(), "a second connection should be refused while the first is alive")
		})

		It("accepts a new connection once link loss has been reported", func() {
			s, master, conn := startServerSession(ctx, basePortConfig(config.ProtocolRaw))
			defer master.Close()

			s.NotifyLinkStatus(false)
			conn.Close()

			second, err := net.Dial("tcp", s.ListenAddr().String())
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()
			defer s.Close()

			Eventually(func() session.TCPState {
				return s.State()
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(session.Connected))
		})
	})
})
