package tunnel_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnel"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelcfg"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelmetrics"
)

// newFreePort binds an ephemeral TCP port, closes the listener, and returns
// the port number, for handing a fixed port to components that bind it
// themselves.
func newFreePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("newFreePort: %v", err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()
	return port
}

func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr)
}

type pair struct {
	ingress    *tunnel.Ingress
	egress     *tunnel.Egress
	cancelIn   context.CancelFunc
	cancelEg   context.CancelFunc
	doneIn     chan int
	doneEg     chan int
	localPort  uint16
	targetAddr *net.TCPAddr
}

func newPair(t *testing.T) *pair {
	t.Helper()
	targetAddr := startEchoServer(t)
	localPort := newFreePort(t)

	uartIngress, uartEgress := net.Pipe()

	sideIngress := tunnel.NewSide(zerolog.Nop(), tunnelmetrics.New("it_ingress"), uartIngress, "", time.Second)
	sideEgress := tunnel.NewSide(zerolog.Nop(), tunnelmetrics.New("it_egress"), uartEgress, "", time.Second)

	var targetIP frame.TargetIPv4
	copy(targetIP[:], targetAddr.IP.To4())

	mapping := tunnelcfg.Mapping{
		LocalPort:  localPort,
		TargetIP:   targetIP,
		RemotePort: uint16(targetAddr.Port),
	}

	ingress := tunnel.NewIngress(sideIngress, []tunnelcfg.Mapping{mapping})
	egress := tunnel.NewEgress(sideEgress)

	ctxIn, cancelIn := context.WithCancel(context.Background())
	ctxEg, cancelEg := context.WithCancel(context.Background())

	p := &pair{
		ingress:    ingress,
		egress:     egress,
		cancelIn:   cancelIn,
		cancelEg:   cancelEg,
		doneIn:     make(chan int, 1),
		doneEg:     make(chan int, 1),
		localPort:  localPort,
		targetAddr: targetAddr,
	}

	go func() { p.doneIn <- ingress.Run(ctxIn) }()
	go func() { p.doneEg <- egress.Run(ctxEg) }()

	// Give both accept/read loops a moment to start.
	time.Sleep(50 * time.Millisecond)
	return p
}

func (p *pair) shutdown(t *testing.T) {
	t.Helper()
	p.cancelIn()
	p.cancelEg()
	select {
	case <-p.doneIn:
	case <-time.After(5 * time.Second):
		t.Fatal("ingress shutdown timed out")
	}
	select {
	case <-p.doneEg:
	case <-time.After(5 * time.Second):
		t.Fatal("egress shutdown timed out")
	}
}

func TestEndToEndDataRoundTrip(t *testing.T) {
	p := newPair(t)
	defer p.shutdown(t)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.localPort), time.Second)
	if err != nil {
		t.Fatalf("dial ingress listener: %v", err)
	}
	defer conn.Close()

	const msg = "hello through the tunnel"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != msg {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestEndToEndLocalCloseEmitsDisconnect(t *testing.T) {
	p := newPair(t)
	defer p.shutdown(t)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.localPort), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("x"))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}

	conn.Close()

	// Ingress removes the session when the client closes and emits one
	// Disconnect; egress removes its side when that Disconnect arrives.
	// Give it a moment, then check the table is empty on both sides.
	time.Sleep(100 * time.Millisecond)
	if n := p.ingress.Table.Len(); n != 0 {
		t.Errorf("ingress table has %d sessions after client close, want 0", n)
	}
	if n := p.egress.Table.Len(); n != 0 {
		t.Errorf("egress table has %d sessions after the Disconnect, want 0", n)
	}
}

func TestEndToEndMultipleSessionsIndependent(t *testing.T) {
	p := newPair(t)
	defer p.shutdown(t)

	const n = 5
	conns := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.localPort), time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns[i] = c
		defer c.Close()
	}

	for i, c := range conns {
		msg := fmt.Sprintf("session-%d", i)
		if _, err := c.Write([]byte(msg)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(c, got); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(got) != msg {
			t.Fatalf("session %d: got %q, want %q", i, got, msg)
		}
	}
}
