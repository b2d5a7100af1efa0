package attach

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paidcircuit/paidcircuitd/internal/control"
)

// fakeRouter authenticates unconditionally, acks SETCONF/SETEVENTS, and
// records every ATTACHSTREAM it receives, optionally rejecting attaches
// to a configured circuit id to exercise failover.
type fakeRouter struct {
	ln       net.Listener
	w        *bufio.Writer
	conn     net.Conn
	accepted chan struct{} // closed once the client connection is accepted

	mu        sync.Mutex
	attaches  []string // "streamID circuitID"
	rejectFor string
}

func startFakeRouter(t *testing.T) (*fakeRouter, string) {
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
			case strings.HasPrefix(line, "SETCONF"):
				fr.send("250 OK")
			case strings.HasPrefix(line, "SETEVENTS"):
				fr.send("250 OK")
			case strings.HasPrefix(line, "ATTACHSTREAM"):
				fields := strings.Fields(line)
				streamID, circuitID := fields[1], fields[2]

				fr.mu.Lock()
				reject := fr.rejectFor != "" && circuitID == fr.rejectFor
				if !reject {
					fr.attaches = append(fr.attaches, streamID+" "+circuitID)
				}
				fr.mu.Unlock()

				if reject {
					fr.send("551 Circuit not found")
				} else {
					fr.send("250 OK")
				}
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

func (f *fakeRouter) sendEvent(line string) {
	f.send(line)
}

func (f *fakeRouter) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.ln.Close()
}

func (f *fakeRouter) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attaches)
}

func dialAndConfigure(t *testing.T, addr, primary, backup string) (*control.Channel, *Attacher) {
	t.Helper()
	ch, err := control.Dial(context.Background(), addr, "")
	require.NoError(t, err)

	a := New(ch, primary, backup)
	require.NoError(t, a.Configure(context.Background()))
	return ch, a
}

func TestAttachAlternatesPrimaryAndBackup(t *testing.T) {
	fr, addr := startFakeRouter(t)
	defer fr.Close()

	ch, a := dialAndConfigure(t, addr, "primary-circ", "backup-circ")
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for i := 1; i <= 4; i++ {
		fr.sendEvent("650 STREAM " + strconv.Itoa(i) + " NEW")
	}

	require.Eventually(t, func() bool { return fr.attachCount() == 4 }, time.Second, 10*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Equal(t, "1 primary-circ", fr.attaches[0])
	require.Equal(t, "2 backup-circ", fr.attaches[1])
	require.Equal(t, "3 primary-circ", fr.attaches[2])
	require.Equal(t, "4 backup-circ", fr.attaches[3])
}

func TestAttachSingleCircuitAlwaysUsesPrimary(t *testing.T) {
	fr, addr := startFakeRouter(t)
	defer fr.Close()

	ch, a := dialAndConfigure(t, addr, "only-circ", "")
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fr.sendEvent("650 STREAM 1 NEW")
	fr.sendEvent("650 STREAM 2 NEW")

	require.Eventually(t, func() bool { return fr.attachCount() == 2 }, time.Second, 10*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Equal(t, "1 only-circ", fr.attaches[0])
	require.Equal(t, "2 only-circ", fr.attaches[1])
}

func TestAttachFailsOverToOtherCircuit(t *testing.T) {
	fr, addr := startFakeRouter(t)
	defer fr.Close()
	fr.rejectFor = "primary-circ"

	ch, a := dialAndConfigure(t, addr, "primary-circ", "backup-circ")
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fr.sendEvent("650 STREAM 1 NEW")

	require.Eventually(t, func() bool { return fr.attachCount() == 1 }, time.Second, 10*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Equal(t, "1 backup-circ", fr.attaches[0])
}
