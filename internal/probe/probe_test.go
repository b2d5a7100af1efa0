package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	count int
	err   error
}

func (f fakeStatus) OpenStreamCount(ctx context.Context, circuitID string) (int, error) {
	return f.count, f.err
}

func alwaysReachable(ctx context.Context) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func alwaysUnreachable(ctx context.Context) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestProbeHealthyWhenReachableAndUnderCapacity(t *testing.T) {
	mock := clock.NewMock()
	p := New("circ-1", time.Second, alwaysReachable, fakeStatus{count: 5}, mock, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(10 * time.Millisecond) // let Run create its ticker first
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return p.Healthy() }, time.Second, 5*time.Millisecond)
}

func TestProbeUnhealthyWhenUnreachable(t *testing.T) {
	mock := clock.NewMock()
	p := New("circ-1", time.Second, alwaysUnreachable, fakeStatus{count: 5}, mock, false)
	p.healthy = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(10 * time.Millisecond) // let Run create its ticker first
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
}

func TestProbeUnhealthyOverStreamCapacity(t *testing.T) {
	mock := clock.NewMock()
	p := New("circ-1", time.Second, alwaysReachable, fakeStatus{count: 300}, mock, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(10 * time.Millisecond) // let Run create its ticker first
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
}
