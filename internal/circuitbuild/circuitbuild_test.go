package circuitbuild

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/internal/control"
	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/pcp"
)

// fakeRouter is a minimal stand-in for the router's control port: it
// authenticates unconditionally and answers EXTENDPAIDCIRCUIT with a
// canned circuit id, letting the test script subsequent 650 CIRC lines.
type fakeRouter struct {
	ln       net.Listener
	w        *bufio.Writer
	conn     net.Conn
	accepted chan struct{} // closed once the client connection is accepted
}

func startFakeRouter(t *testing.T, circuitID string) (*fakeRouter, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fr := &fakeRouter{ln: ln, accepted: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		fr.conn = conn
		fr.w = bufio.NewWriter(conn)
		close(fr.accepted)

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "AUTHENTICATE"):
				fr.send("250 OK")
			case strings.HasPrefix(line, "EXTENDPAIDCIRCUIT"):
				fr.send("250 CircuitID=" + circuitID)
			default:
				fr.send("510 Unrecognized command")
			}
		}
	}()
	return fr, ln.Addr().String()
}

func (f *fakeRouter) send(line string) {
	<-f.accepted
	f.w.WriteString(line + "\r\n")
	f.w.Flush()
}

func (f *fakeRouter) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.ln.Close()
}

func sampleHops() []pcp.SelectedHop {
	mk := func(fp string) pcp.SelectedHop {
		return pcp.SelectedHop{
			Relay:      pcp.Relay{Fingerprint: fp},
			PaymentIDs: [][32]byte{{1}, {2}, {3}},
		}
	}
	return []pcp.SelectedHop{mk("G1"), mk("M1"), mk("E1")}
}

func TestBuildSucceedsOnBuiltEvent(t *testing.T) {
	fr, addr := startFakeRouter(t, "circ-1")
	defer fr.Close()

	ch, err := control.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer ch.Close()

	b := New(ch, 2*time.Second)

	done := make(chan struct{})
	var gotID string
	var gotErr error
	go func() {
		gotID, gotErr = b.Build(context.Background(), sampleHops(), nil)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	fr.send("650 CIRC circ-1 BUILT")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("build did not complete")
	}
	require.NoError(t, gotErr)
	require.Equal(t, "circ-1", gotID)
}

func TestBuildFailsOnFailedEvent(t *testing.T) {
	fr, addr := startFakeRouter(t, "circ-2")
	defer fr.Close()

	ch, err := control.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer ch.Close()

	b := New(ch, 2*time.Second)

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = b.Build(context.Background(), sampleHops(), nil)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	fr.send("650 CIRC circ-2 FAILED")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("build did not complete")
	}
	require.ErrorIs(t, gotErr, faults.ErrBuild)
}

func TestBuildTimesOutWithoutBuiltEvent(t *testing.T) {
	fr, addr := startFakeRouter(t, "circ-3")
	defer fr.Close()

	ch, err := control.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer ch.Close()

	b := New(ch, 50*time.Millisecond)
	_, err = b.Build(context.Background(), sampleHops(), nil)
	require.ErrorIs(t, err, faults.ErrBuild)
}

func TestBuildRequiresPayerWhenHandshakeFeeNonzero(t *testing.T) {
	fr, addr := startFakeRouter(t, "circ-4")
	defer fr.Close()

	ch, err := control.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer ch.Close()

	hops := sampleHops()
	hops[0].Relay.HandshakeFeeMs = 500

	b := New(ch, time.Second)
	_, err = b.Build(context.Background(), hops, nil)
	require.ErrorIs(t, err, faults.ErrBuild)
}
